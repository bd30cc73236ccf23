package chat

import (
	"context"

	"github.com/pocketllm/chatsync/internal/ai"
	"github.com/pocketllm/chatsync/internal/tokens"
)

// buildContext assembles the ordered turns handed to the provider.
//
// Two tiers: every file-analysis turn of the session (oldest first, never
// dropped; file content must stay referenceable however old it is), then
// the most recent window of ordinary turns (oldest first). The anchor, the
// user turn this call responds to, is excluded from the window query and
// appended last.
//
// The window is bounded twice: by turn count and by an approximate token
// budget. When the budget bites, the oldest ordinary turns go first.
func (s *Service) buildContext(ctx context.Context, sess *Session, anchor *Message) ([]ai.Message, error) {
	fileTurns, err := s.repo.ListFileAnalysisAsc(ctx, sess.UserID, sess.SessionID)
	if err != nil {
		return nil, err
	}

	var excludeID uint64
	if anchor != nil {
		excludeID = anchor.ID
	}
	recentDesc, err := s.repo.ListRecentChatDesc(ctx, sess.UserID, sess.SessionID, s.window, excludeID)
	if err != nil {
		return nil, err
	}

	used := 0
	for _, m := range fileTurns {
		used += tokens.EstimateSimple(m.Content)
	}
	if anchor != nil {
		used += tokens.EstimateSimple(anchor.Content)
	}

	admitted := recentDesc
	if s.tokenBudget > 0 {
		admitted = admitted[:0]
		for _, m := range recentDesc { // newest -> oldest
			cost := tokens.EstimateSimple(m.Content)
			if used+cost > s.tokenBudget {
				break
			}
			used += cost
			admitted = append(admitted, m)
		}
	}

	out := make([]ai.Message, 0, len(fileTurns)+len(admitted)+1)
	for _, m := range fileTurns {
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	for i := len(admitted) - 1; i >= 0; i-- { // reverse to ASC
		out = append(out, ai.Message{Role: admitted[i].Role, Content: admitted[i].Content})
	}
	if anchor != nil {
		out = append(out, ai.Message{Role: "user", Content: anchor.Content})
	}
	return out, nil
}
