package domain

import "time"

// Role is a board member's access level.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

var roleRank = map[Role]int{
	RoleViewer: 1,
	RoleMember: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

// AtLeast reports whether r grants at least the access of min.
// Unknown roles grant nothing.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] > 0 && roleRank[r] >= roleRank[min]
}

// Board scopes lists, cards and the broadcast room.
type Board struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Visibility string          `json:"visibility"`
	Members    map[string]Role `json:"members"`
}

// RoleOf returns the role of userID on the board and whether the user is a member.
func (b Board) RoleOf(userID string) (Role, bool) {
	r, ok := b.Members[userID]
	return r, ok
}

// List is an ordered column of cards on a board.
type List struct {
	ID       string  `json:"id"`
	BoardID  string  `json:"boardId"`
	Title    string  `json:"title"`
	OrderKey float64 `json:"orderKey"`
	Version  string  `json:"-"`
}

// Card belongs to exactly one list at a time. Only ListID and OrderKey are
// mutated by the move coordinator.
type Card struct {
	ID          string     `json:"id"`
	BoardID     string     `json:"boardId"`
	ListID      string     `json:"listId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Labels      []string   `json:"labels,omitempty"`
	Assignees   []string   `json:"assignees,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	OrderKey    float64    `json:"orderKey"`
	Version     string     `json:"-"`
}

// Sibling is the ordering projection of a card (or list) within its parent.
type Sibling struct {
	ID       string
	OrderKey float64
	Version  string
}

// Snapshot is the authoritative board state a client loads before relying on
// incremental events.
type Snapshot struct {
	BoardID string `json:"boardId"`
	Lists   []List `json:"lists"`
	Cards   []Card `json:"cards"`
}
