// Package drive defines the provider-neutral adapter contract shared by
// every cloud-drive integration: the Adapter interface, the Node and
// Breadcrumb model, the failure taxonomy, and the reusable algorithms
// (paginated listing, bounded tree resolution, token lifecycle) that
// individual providers compose.
package drive

import (
	"strings"
	"time"
)

// ProviderID names a provider implementation, e.g. "quark" or "115".
type ProviderID string

// Built-in providers.
const (
	Quark    ProviderID = "quark"
	Cloud115 ProviderID = "115"
	Baidu    ProviderID = "baidu"
	Xunlei   ProviderID = "xunlei"
	Aliyun   ProviderID = "aliyun"
	UC       ProviderID = "uc"
)

// RootID is the provider-neutral identifier for a drive's top container.
// Adapters translate it to their own root spelling ("0", "root", "/").
const RootID = "0"

// Node is one entry of a provider's file tree. Nodes are values: a listing
// always produces fresh ones and nothing mutates them afterwards.
type Node struct {
	ID          string
	Name        string
	IsContainer bool
	Size        int64
	ModTime     time.Time
	// ShareToken addresses the node across a share boundary (quark's
	// share_fid_token). Empty for own-drive nodes.
	ShareToken string
	ParentID   string
}

// Crumb is one step of a Breadcrumb.
type Crumb struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Breadcrumb is the ordered path from a tree root to a target node.
type Breadcrumb []Crumb

// Path renders the breadcrumb as a slash path rooted at "/".
func (b Breadcrumb) Path() string {
	if len(b) == 0 {
		return "/"
	}

	names := make([]string, len(b))
	for i, c := range b {
		names[i] = c.Name
	}

	return "/" + strings.Join(names, "/")
}

// Last returns the final crumb, or a zero Crumb for an empty breadcrumb.
func (b Breadcrumb) Last() Crumb {
	if len(b) == 0 {
		return Crumb{}
	}

	return b[len(b)-1]
}

// with returns a copy of b extended by c. Copying keeps breadcrumbs that
// share a prefix in the BFS queue independent.
func (b Breadcrumb) with(c Crumb) Breadcrumb {
	out := make(Breadcrumb, len(b), len(b)+1)
	copy(out, b)

	return append(out, c)
}

// AccountInfo is what Initialize learns about the credential's owner.
type AccountInfo struct {
	UserID   string `json:"user_id,omitempty"`
	Name     string `json:"name"`
	RootID   string `json:"root_id,omitempty"`
	VIP      bool   `json:"vip,omitempty"`
	Used     int64  `json:"used,omitempty"`
	Capacity int64  `json:"capacity,omitempty"`
}

// ShareToken is the short-lived access grant for a share link. Providers
// that need more than one value (baidu's uk/shareid pair) put the rest in
// Extra.
type ShareToken struct {
	Value   string
	Title   string
	Expires time.Time
	Extra   map[string]string
}

// ShareRef is a parsed share URL.
type ShareRef struct {
	ShareID     string
	Passcode    string
	ContainerID string // empty means the share root
	Hints       Breadcrumb
}

// TransferRequest copies shared nodes into the caller's own drive.
type TransferRequest struct {
	ShareID    string
	Token      ShareToken
	NodeIDs    []string
	NodeTokens []string // parallel to NodeIDs; only quark/uc need them
	NodeNames  []string // parallel to NodeIDs; lets listing-diff providers match copies
	TargetID   string
}

// TransferResult is the outcome of TransferShared. Done is set when the
// provider copied synchronously; otherwise TaskID must be polled.
type TransferResult struct {
	TaskID   string
	Done     bool
	SavedIDs []string
	Failed   []FailedItem
}

// TaskState is the lifecycle of an asynchronous transfer.
type TaskState int

// Task states. Done and Failed are terminal.
const (
	TaskPending TaskState = iota
	TaskRunning
	TaskDone
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskDone:
		return "done"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state will not change again.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// TaskStatus is one observation of an asynchronous transfer.
type TaskStatus struct {
	State    TaskState
	Progress int // percent, when the provider reports it
	SavedIDs []string
	Message  string
}

// PathID pairs a slash path with the identifier it resolved to. ID is
// empty when the path does not exist.
type PathID struct {
	Path string `json:"path"`
	ID   string `json:"id"`
}

// CleanPath normalizes a user-supplied drive path to "/a/b" form.
func CleanPath(p string) string {
	parts := SplitPath(p)
	if len(parts) == 0 {
		return "/"
	}

	return "/" + strings.Join(parts, "/")
}

// SplitPath returns the non-empty segments of a slash path.
func SplitPath(p string) []string {
	raw := strings.Split(strings.ReplaceAll(p, "\\", "/"), "/")
	out := raw[:0]

	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" && s != "." {
			out = append(out, s)
		}
	}

	return out
}
