package models

import "time"

// Release is a specific commit-state of the application meant to run on a target.
// A release has no lifecycle of its own beyond being applied or failing to apply;
// its fate is recorded on the DeployRun that carried it.
type Release struct {
	ID       string `json:"id"`
	TargetID string `json:"target_id"`
	// Commit is the full SHA pushed to the tracked branch.
	Commit string `json:"commit"`
	Ref    string `json:"ref"`
	// DeliveryID is the webhook delivery identifier. It deduplicates pushes:
	// at most one release (and one deploy job) exists per delivery.
	DeliveryID string    `json:"delivery_id"`
	Pusher     string    `json:"pusher,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PushEvent is the decoded payload of a push webhook delivery.
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	DeliveryID string `json:"-"`
	Pusher     struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
}

// BranchFromRef extracts the branch name from a full ref like refs/heads/main.
// Returns the ref unchanged when it is not a branch ref.
func BranchFromRef(ref string) string {
	const prefix = "refs/heads/"
	if len(ref) > len(prefix) && ref[:len(prefix)] == prefix {
		return ref[len(prefix):]
	}
	return ref
}
