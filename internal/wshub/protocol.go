package wshub

// envelope is used only to sniff the "type" discriminator of an inbound
// client message before unmarshalling into its concrete shape.
type envelope struct {
	Type string `json:"type"`
}

// Inbound client -> server message shapes.

type subscribeMsg struct {
	Type  string `json:"type"`
	PtyID string `json:"ptyId"`
}

type inputMsg struct {
	Type  string `json:"type"`
	PtyID string `json:"ptyId"`
	Data  string `json:"data"`
}

type resizeMsg struct {
	Type  string `json:"type"`
	PtyID string `json:"ptyId"`
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
}

type tmuxControlMsg struct {
	Type      string `json:"type"`
	PtyID     string `json:"ptyId"`
	Direction string `json:"direction"`
	Lines     int    `json:"lines"`
}

// Outbound server -> client message shapes, per spec §6.

// PtyListEntry is one element of a PtyListMsg payload; the orchestrator
// supplies the full per-session fields (readyState etc. come from C5).
type PtyListEntry map[string]any

type PtyListMsg struct {
	Type string         `json:"type"`
	Ptys []PtyListEntry `json:"ptys"`
}

func NewPtyListMsg(ptys []PtyListEntry) PtyListMsg {
	return PtyListMsg{Type: "pty_list", Ptys: ptys}
}

type PtyOutputMsg struct {
	Type  string `json:"type"`
	PtyID string `json:"ptyId"`
	Data  string `json:"data"`
}

type PtyExitMsg struct {
	Type   string `json:"type"`
	PtyID  string `json:"ptyId"`
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func NewPtyExitMsg(ptyID string, code int, signal string) PtyExitMsg {
	return PtyExitMsg{Type: "pty_exit", PtyID: ptyID, Code: code, Signal: signal}
}

type PtyReadyMsg struct {
	Type          string `json:"type"`
	PtyID         string `json:"ptyId"`
	State         string `json:"state"`
	Indicator     string `json:"indicator"`
	Reason        string `json:"reason"`
	Source        string `json:"source,omitempty"`
	TS            int64  `json:"ts"`
	Cwd           string `json:"cwd,omitempty"`
	ActiveProcess string `json:"activeProcess,omitempty"`
}

type TriggerFiredMsg struct {
	Type    string `json:"type"`
	PtyID   string `json:"ptyId"`
	Trigger string `json:"trigger"`
	Match   string `json:"match,omitempty"`
	Line    string `json:"line,omitempty"`
	TS      int64  `json:"ts"`
}

type PtyHighlightMsg struct {
	Type   string `json:"type"`
	PtyID  string `json:"ptyId"`
	Reason string `json:"reason"`
	TTLMs  int64  `json:"ttlMs"`
}

type TriggerErrorMsg struct {
	Type    string `json:"type"`
	PtyID   string `json:"ptyId"`
	Trigger string `json:"trigger"`
	TS      int64  `json:"ts"`
	Message string `json:"message"`
}

func NewTriggerErrorMsg(trigger string, message string, ts int64) TriggerErrorMsg {
	return TriggerErrorMsg{Type: "trigger_error", PtyID: "system", Trigger: trigger, TS: ts, Message: message}
}
