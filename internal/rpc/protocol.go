package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/HerbCaudill/beads-ui-sub002/internal/storage"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

// MessageType identifies a request, its reply, or a server push.
type MessageType string

// Request types
const (
	MsgListIssues     MessageType = "list-issues"
	MsgUpdateStatus   MessageType = "update-status"
	MsgEditText       MessageType = "edit-text"
	MsgUpdatePriority MessageType = "update-priority"
	MsgCreateIssue    MessageType = "create-issue"
	MsgListReady      MessageType = "list-ready"
	MsgDepAdd         MessageType = "dep-add"
	MsgDepRemove      MessageType = "dep-remove"
	MsgEpicStatus     MessageType = "epic-status"
	MsgUpdateAssignee MessageType = "update-assignee"
	MsgLabelAdd       MessageType = "label-add"
	MsgLabelRemove    MessageType = "label-remove"
	MsgSubscribeList  MessageType = "subscribe-list"
	MsgUnsubscribe    MessageType = "unsubscribe-list"
	MsgGetComments    MessageType = "get-comments"
	MsgAddComment     MessageType = "add-comment"
	MsgDeleteIssue    MessageType = "delete-issue"
	MsgListWorkspaces MessageType = "list-workspaces"
	MsgSetWorkspace   MessageType = "set-workspace"
	MsgGetWorkspace   MessageType = "get-workspace"
	MsgPing           MessageType = "ping"
)

// Push types, sent by the server only
const (
	MsgSnapshot         MessageType = "snapshot"
	MsgUpsert           MessageType = "upsert"
	MsgDelete           MessageType = "delete"
	MsgWorkspaceChanged MessageType = "workspace-changed"
)

var pushTypes = map[MessageType]bool{
	MsgSnapshot:         true,
	MsgUpsert:           true,
	MsgDelete:           true,
	MsgWorkspaceChanged: true,
}

var requestTypes = map[MessageType]bool{
	MsgListIssues:     true,
	MsgUpdateStatus:   true,
	MsgEditText:       true,
	MsgUpdatePriority: true,
	MsgCreateIssue:    true,
	MsgListReady:      true,
	MsgDepAdd:         true,
	MsgDepRemove:      true,
	MsgEpicStatus:     true,
	MsgUpdateAssignee: true,
	MsgLabelAdd:       true,
	MsgLabelRemove:    true,
	MsgSubscribeList:  true,
	MsgUnsubscribe:    true,
	MsgGetComments:    true,
	MsgAddComment:     true,
	MsgDeleteIssue:    true,
	MsgListWorkspaces: true,
	MsgSetWorkspace:   true,
	MsgGetWorkspace:   true,
	MsgPing:           true,
}

// IsValid reports whether t belongs to the protocol at all.
func (t MessageType) IsValid() bool {
	return requestTypes[t] || pushTypes[t]
}

// IsPush reports whether t is only ever sent by the server.
func (t MessageType) IsPush() bool {
	return pushTypes[t]
}

// Request is the client-to-server envelope.
type Request struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply answers a Request with the same ID and Type. Pushes use the same
// shape with OK set and a push Type.
type Reply struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the error member of a failed Reply.
type ErrorBody struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// DecodeRequest parses one inbound frame. The returned Request is usable
// for an error reply even when err is non-nil, as long as its ID decoded.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return req, Errorf(CodeBadRequest, "malformed request: %v", err)
	}
	if req.ID == "" {
		return req, Errorf(CodeBadRequest, "request id is required")
	}
	if !req.Type.IsValid() {
		return req, Errorf(CodeUnknownType, "unknown message type %q", req.Type)
	}
	if req.Type.IsPush() {
		return req, Errorf(CodeBadRequest, "%s is a server push and cannot be requested", req.Type)
	}
	return req, nil
}

// validator is implemented by request args that check themselves after
// decoding.
type validator interface {
	Validate() error
}

// decodeArgs strictly decodes a request payload into args. An absent or
// null payload decodes as the zero value.
func decodeArgs(payload json.RawMessage, args interface{}) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(args); err != nil {
			return Errorf(CodeBadRequest, "invalid payload: %v", err)
		}
	}
	if v, ok := args.(validator); ok {
		if err := v.Validate(); err != nil {
			return Errorf(CodeBadRequest, "%v", err)
		}
	}
	return nil
}

func requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// EmptyArgs is the payload of requests that take none.
type EmptyArgs struct{}

// SubscribeArgs represents arguments for subscribe-list
type SubscribeArgs struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`

	spec types.ListSpec
}

func (a *SubscribeArgs) Validate() error {
	if err := requireID(a.ID); err != nil {
		return err
	}
	spec, err := types.DecodeListSpec(a.Type, a.Params)
	if err != nil {
		return err
	}
	a.spec = spec
	return nil
}

// Spec returns the validated subscription spec.
func (a *SubscribeArgs) Spec() types.ListSpec { return a.spec }

// UnsubscribeArgs represents arguments for unsubscribe-list
type UnsubscribeArgs struct {
	ID string `json:"id"`
}

func (a *UnsubscribeArgs) Validate() error { return requireID(a.ID) }

// ListFilters narrows list-issues.
type ListFilters struct {
	Status    types.Status    `json:"status,omitempty"`
	IssueType types.IssueType `json:"issue_type,omitempty"`
	Assignee  string          `json:"assignee,omitempty"`
	Labels    []string        `json:"labels,omitempty"`
	Limit     int             `json:"limit,omitempty"`
}

// ListArgs represents arguments for list-issues
type ListArgs struct {
	Filters ListFilters `json:"filters"`
}

func (a *ListArgs) Validate() error {
	f := a.Filters
	if f.Status != "" && !f.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", f.Status)
	}
	if f.IssueType != "" && !f.IssueType.IsValid() {
		return fmt.Errorf("invalid issue type: %s", f.IssueType)
	}
	if f.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return nil
}

func (a *ListArgs) filter() storage.ListFilter {
	return storage.ListFilter{
		Status:    a.Filters.Status,
		IssueType: a.Filters.IssueType,
		Assignee:  a.Filters.Assignee,
		Labels:    a.Filters.Labels,
		Limit:     a.Filters.Limit,
	}
}

// ReadyArgs represents arguments for list-ready
type ReadyArgs struct {
	Limit int `json:"limit,omitempty"`
}

func (a *ReadyArgs) Validate() error {
	if a.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return nil
}

// UpdateStatusArgs represents arguments for update-status
type UpdateStatusArgs struct {
	ID     string       `json:"id"`
	Status types.Status `json:"status"`
}

func (a *UpdateStatusArgs) Validate() error {
	if err := requireID(a.ID); err != nil {
		return err
	}
	if !a.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", a.Status)
	}
	return nil
}

// EditTextArgs represents arguments for edit-text
type EditTextArgs struct {
	ID    string            `json:"id"`
	Field storage.TextField `json:"field"`
	Value string            `json:"value"`
}

func (a *EditTextArgs) Validate() error {
	if err := requireID(a.ID); err != nil {
		return err
	}
	if !a.Field.IsValid() {
		return fmt.Errorf("field %q is not editable", a.Field)
	}
	if a.Field == storage.FieldTitle && strings.TrimSpace(a.Value) == "" {
		return fmt.Errorf("title must not be empty")
	}
	return nil
}

// UpdatePriorityArgs represents arguments for update-priority
type UpdatePriorityArgs struct {
	ID       string `json:"id"`
	Priority *int   `json:"priority"`
}

func (a *UpdatePriorityArgs) Validate() error {
	if err := requireID(a.ID); err != nil {
		return err
	}
	if a.Priority == nil {
		return fmt.Errorf("priority is required")
	}
	if *a.Priority < 0 || *a.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", *a.Priority)
	}
	return nil
}

// UpdateAssigneeArgs represents arguments for update-assignee. An empty
// assignee clears it.
type UpdateAssigneeArgs struct {
	ID       string `json:"id"`
	Assignee string `json:"assignee"`
}

func (a *UpdateAssigneeArgs) Validate() error { return requireID(a.ID) }

// LabelArgs represents arguments for label-add and label-remove
type LabelArgs struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

func (a *LabelArgs) Validate() error {
	if err := requireID(a.ID); err != nil {
		return err
	}
	if strings.TrimSpace(a.Label) == "" {
		return fmt.Errorf("label is required")
	}
	return nil
}

// DepArgs represents arguments for dep-add and dep-remove: IssueID depends
// on DependsOnID.
type DepArgs struct {
	IssueID     string               `json:"issue_id"`
	DependsOnID string               `json:"depends_on_id"`
	DepType     types.DependencyType `json:"dep_type,omitempty"`
}

func (a *DepArgs) Validate() error {
	if strings.TrimSpace(a.IssueID) == "" || strings.TrimSpace(a.DependsOnID) == "" {
		return fmt.Errorf("issue_id and depends_on_id are required")
	}
	if a.IssueID == a.DependsOnID {
		return fmt.Errorf("an issue cannot depend on itself")
	}
	if a.DepType != "" && !a.DepType.IsValid() {
		return fmt.Errorf("invalid dependency type: %s", a.DepType)
	}
	return nil
}

// CreateArgs represents arguments for create-issue
type CreateArgs struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	IssueType   types.IssueType `json:"issue_type,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	Assignee    string          `json:"assignee,omitempty"`
	Labels      []string        `json:"labels,omitempty"`
	Parent      string          `json:"parent,omitempty"`
}

func (a *CreateArgs) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(a.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(a.Title))
	}
	if a.IssueType != "" && !a.IssueType.IsValid() {
		return fmt.Errorf("invalid issue type: %s", a.IssueType)
	}
	if a.Priority != nil && (*a.Priority < 0 || *a.Priority > 4) {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", *a.Priority)
	}
	return nil
}

func (a *CreateArgs) newIssue() storage.NewIssue {
	in := storage.NewIssue{
		Title:       a.Title,
		Description: a.Description,
		IssueType:   a.IssueType,
		Priority:    2,
		Assignee:    a.Assignee,
		Labels:      a.Labels,
		Parent:      a.Parent,
	}
	if in.IssueType == "" {
		in.IssueType = types.TypeTask
	}
	if a.Priority != nil {
		in.Priority = *a.Priority
	}
	return in
}

// IDArgs represents arguments for requests naming a single issue
// (delete-issue, get-comments).
type IDArgs struct {
	ID string `json:"id"`
}

func (a *IDArgs) Validate() error { return requireID(a.ID) }

// CommentAddArgs represents arguments for add-comment
type CommentAddArgs struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Author string `json:"author,omitempty"`
}

func (a *CommentAddArgs) Validate() error {
	if err := requireID(a.ID); err != nil {
		return err
	}
	if strings.TrimSpace(a.Text) == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

// SetWorkspaceArgs represents arguments for set-workspace
type SetWorkspaceArgs struct {
	Path string `json:"path"`
}

func (a *SetWorkspaceArgs) Validate() error {
	if strings.TrimSpace(a.Path) == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// PingArgs represents arguments for ping
type PingArgs struct {
	ClientVersion string `json:"client_version,omitempty"`
}

// PingResponse is the response for a ping operation
type PingResponse struct {
	Message    string `json:"message"`
	Version    string `json:"version"`
	Compatible bool   `json:"compatible"`
	Warning    string `json:"warning,omitempty"`
}

// SubscribeResponse is the payload of a successful subscribe-list.
type SubscribeResponse struct {
	ID       string        `json:"id"`
	Key      string        `json:"key"`
	Revision int64         `json:"revision"`
	Issues   []types.Issue `json:"issues"`
}

// UnsubscribeResponse is the payload of unsubscribe-list.
type UnsubscribeResponse struct {
	ID      string `json:"id"`
	Removed bool   `json:"removed"`
}

// DeleteResponse is the payload of delete-issue.
type DeleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// PushPayload is the payload of snapshot, upsert and delete pushes. ID is
// the client's subscription id. Upserts carry Issues, and Issue as well
// when exactly one changed; deletes carry IssueIDs, and IssueID likewise.
type PushPayload struct {
	ID       string        `json:"id"`
	Revision int64         `json:"revision"`
	Issues   []types.Issue `json:"issues,omitempty"`
	Issue    *types.Issue  `json:"issue,omitempty"`
	IssueID  string        `json:"issue_id,omitempty"`
	IssueIDs []string      `json:"issue_ids,omitempty"`
}

// WorkspaceChanged is the payload of the workspace-changed push.
type WorkspaceChanged struct {
	Path     string `json:"path"`
	Database string `json:"database"`
}

// WorkspacesResponse is the payload of list-workspaces.
type WorkspacesResponse struct {
	Current    types.Workspace   `json:"current"`
	Workspaces []types.Workspace `json:"workspaces"`
}

// HealthResponse is served on /healthz.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	Uptime        float64 `json:"uptime_seconds"`
	Connections   int     `json:"connections"`
	Subscriptions int     `json:"subscriptions"`
	Keys          int     `json:"keys"`
	Workspace     string  `json:"workspace"`
	Database      string  `json:"database"`
	Error         string  `json:"error,omitempty"`
}
