package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/petervdpas/goopchat/internal/store"
)

const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// AddMember adds userID to a group. Adding someone who is already a member
// returns ErrDuplicateMembership, an informational conflict.
func AddMember(ctx context.Context, st store.Store, groupID, userID, role string) error {
	if role == "" {
		role = RoleMember
	}
	_, err := st.Insert(ctx, store.TableGroupMembers, store.Row{
		"group_id": groupID,
		"user_id":  userID,
		"role":     role,
	})
	return membershipErr(err, groupID, userID)
}

// AddParticipant adds userID to a direct conversation.
func AddParticipant(ctx context.Context, st store.Store, conversationID, userID string) error {
	_, err := st.Insert(ctx, store.TableParticipants, store.Row{
		"conversation_id": conversationID,
		"user_id":         userID,
	})
	return membershipErr(err, conversationID, userID)
}

func membershipErr(err error, scope, userID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrDuplicate):
		log.Infof("%s is already a member of %s", userID, scope)
		return fmt.Errorf("%w: %s in %s", ErrDuplicateMembership, userID, scope)
	default:
		return err
	}
}

// Members lists the user ids of a conversation or group.
func Members(ctx context.Context, st store.Store, ref Ref) ([]string, error) {
	table, col := store.TableParticipants, "conversation_id"
	if ref.Group {
		table, col = store.TableGroupMembers, "group_id"
	}
	rows, err := st.Select(ctx, store.Query{
		Table: table,
		Where: []store.Filter{store.Eq(col, ref.ID)},
		Order: []store.Order{store.Asc("created_at")},
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.Text("user_id"))
	}
	return ids, nil
}
