package proto

// Per-command request/response payloads. These are marshaled into/out of
// CommandFrame.Payload and ResultFrame.Result.

// ─── session.list ──────────────────────────────────────────────────────────

type SessionListRequest struct {
	Limit int `json:"limit,omitempty"`
}

type SessionListResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

type SessionSummary struct {
	SessionID   string      `json:"sessionId"`
	Live        bool        `json:"live"`
	Status      string      `json:"status"`
	StatusModel StatusModel `json:"statusModel"`
	ProcessID   *int        `json:"processId"`
	Controller  *Controller `json:"controller"`
}

type StatusModel struct {
	Phase      string `json:"phase"`
	DetailText string `json:"detailText,omitempty"`
}

type Controller struct {
	ControllerID    string `json:"controllerId"`
	ControllerType  string `json:"controllerType"` // human | agent
	ControllerLabel string `json:"controllerLabel,omitempty"`
	ClaimedAt       string `json:"claimedAt"`
}

// ─── session.status ────────────────────────────────────────────────────────

type SessionStatusRequest struct {
	SessionID string `json:"sessionId"`
}

type SessionStatusResponse struct {
	SessionSummary
	Command     string            `json:"command,omitempty"`
	CommandArgs []string          `json:"commandArgs,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Cols        int               `json:"cols,omitempty"`
	Rows        int               `json:"rows,omitempty"`
	AgentType   string            `json:"agentType,omitempty"`
}

// ─── session.claim ─────────────────────────────────────────────────────────

type SessionClaimRequest struct {
	SessionID       string `json:"sessionId"`
	ControllerID    string `json:"controllerId"`
	ControllerType  string `json:"controllerType"`
	ControllerLabel string `json:"controllerLabel,omitempty"`
}

type SessionClaimResponse struct {
	Controller Controller `json:"controller"`
}

// ─── pty.start ──────────────────────────────────────────────────────────────

type PtyStartRequest struct {
	SessionID             string            `json:"sessionId"`
	TenantID              string            `json:"tenantId"`
	UserID                string            `json:"userId"`
	Command               string            `json:"command,omitempty"`
	Args                  []string          `json:"args,omitempty"`
	Env                   map[string]string `json:"env,omitempty"`
	Cwd                   string            `json:"cwd,omitempty"`
	Cols                  int               `json:"cols,omitempty"`
	Rows                  int               `json:"rows,omitempty"`
	AgentType             string            `json:"agentType,omitempty"`
	TerminalForegroundHex string            `json:"terminalForegroundHex,omitempty"`
	TerminalBackgroundHex string            `json:"terminalBackgroundHex,omitempty"`
}

type PtyStartResponse struct {
	SessionID string `json:"sessionId"`
}

// ─── pty.write ──────────────────────────────────────────────────────────────

type PtyWriteRequest struct {
	SessionID  string `json:"sessionId"`
	DataBase64 string `json:"dataBase64"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

// ─── pty.resize ─────────────────────────────────────────────────────────────

type PtyResizeRequest struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// ─── pty.close ──────────────────────────────────────────────────────────────

type PtyCloseRequest struct {
	SessionID string `json:"sessionId"`
}

// ─── stream.subscribe ───────────────────────────────────────────────────────

type StreamSubscribeRequest struct {
	TenantID       string `json:"tenantId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	WorkspaceID    string `json:"workspaceId,omitempty"`
	DirectoryID    string `json:"directoryId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"` // narrows includeOutput to one session
	IncludeOutput  bool   `json:"includeOutput,omitempty"`
	AfterCursor    int64  `json:"afterCursor,omitempty"`
}

type StreamSubscribeResponse struct {
	SubscriptionID string `json:"subscriptionId"`
	Cursor         int64  `json:"cursor"`
}

// ─── stream.unsubscribe ─────────────────────────────────────────────────────

type StreamUnsubscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

type StreamUnsubscribeResponse struct {
	Unsubscribed bool `json:"unsubscribed"`
}
