package domain

// Intervention is a user-supplied message injected into a running task
// mid-execution, drained opportunistically between agent turns.
type Intervention struct {
	Text            string   `json:"text"`
	User            string   `json:"user"`
	AttachmentPaths []string `json:"attachment_paths,omitempty"`
}
