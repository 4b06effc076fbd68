package dispatch

import (
	"castbot/internal/storage"
)

// Resolve maps a campaign to its target recipient identifiers.
//
// A campaign pinned to a group resolves to that group's recipient, or to
// nothing when the group was deleted after the campaign was created (that is
// a skip, never an error). An unpinned campaign broadcasts to every group.
func Resolve(c storage.Campaign, groups []storage.Group) []string {
	if c.GroupID != "" {
		for _, g := range groups {
			if g.ID == c.GroupID {
				return []string{g.RecipientID}
			}
		}
		return nil
	}
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.RecipientID)
	}
	return out
}
