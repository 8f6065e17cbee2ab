package source

import "time"

type Issue struct {
	ID          int64     `json:"id"`
	IID         int64     `json:"iid"`
	ProjectID   int64     `json:"project_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	Labels      []string  `json:"labels"`
	WebURL      string    `json:"web_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IssueInput is the body of create and update calls. StateEvent is "close" or "reopen".
type IssueInput struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Labels      string `json:"labels,omitempty"`
	StateEvent  string `json:"state_event,omitempty"`
}

type MergeRequest struct {
	ID           int64     `json:"id"`
	IID          int64     `json:"iid"`
	ProjectID    int64     `json:"project_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	State        string    `json:"state"`
	SourceBranch string    `json:"source_branch"`
	TargetBranch string    `json:"target_branch"`
	MergedAt     time.Time `json:"merged_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type MergeRequestInput struct {
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	TargetBranch string `json:"target_branch,omitempty"`
	StateEvent   string `json:"state_event,omitempty"`
}

type Pipeline struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	Ref       string    `json:"ref"`
	SHA       string    `json:"sha"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Commit struct {
	ID        string    `json:"id"`
	ShortID   string    `json:"short_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Author    string    `json:"author_name"`
	CreatedAt time.Time `json:"created_at"`
}

type Hook struct {
	ID                    int64     `json:"id"`
	URL                   string    `json:"url"`
	ProjectID             int64     `json:"project_id"`
	PushEvents            bool      `json:"push_events"`
	IssuesEvents          bool      `json:"issues_events"`
	MergeRequestsEvents   bool      `json:"merge_requests_events"`
	PipelineEvents        bool      `json:"pipeline_events"`
	EnableSSLVerification bool      `json:"enable_ssl_verification"`
	CreatedAt             time.Time `json:"created_at"`
}

// HookInput registers a project hook. Token is echoed back by the platform in X-Gitlab-Token.
type HookInput struct {
	URL                   string `json:"url"`
	Token                 string `json:"token,omitempty"`
	PushEvents            bool   `json:"push_events"`
	IssuesEvents          bool   `json:"issues_events"`
	MergeRequestsEvents   bool   `json:"merge_requests_events"`
	PipelineEvents        bool   `json:"pipeline_events"`
	EnableSSLVerification bool   `json:"enable_ssl_verification"`
}

// RelayHook subscribes to every kind the engine handles.
func RelayHook(url, token string) HookInput {
	return HookInput{
		URL:                   url,
		Token:                 token,
		PushEvents:            true,
		IssuesEvents:          true,
		MergeRequestsEvents:   true,
		PipelineEvents:        true,
		EnableSSLVerification: true,
	}
}
