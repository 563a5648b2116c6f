package manta

import (
	"context"
	"errors"
)

// Store sentinel errors.
var (
	// ErrConversationNotFound is returned for reads of unknown conversations.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound is returned when a server_msg_id does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotInProgress guards the placeholder finalize path: a second
	// finalizer racing on the same placeholder sees this instead of
	// silently overwriting a completed message.
	ErrNotInProgress = errors.New("message is not in_progress")
)

// ConversationStore persists conversation history and owns the per-conversation
// working directories. Implementations serialize mutations per conversation
// behind the caller-held lock (see LockTable); reads never block writes.
type ConversationStore interface {
	// AppendUserMessage inserts a completed user message and records the
	// (user, clientMsgID) idempotency entry atomically with the insert.
	// When the pair is already recorded it returns the prior server_msg_id
	// with hit=true and mutates nothing. The conversation is created lazily
	// on first append.
	AppendUserMessage(ctx context.Context, convID, user, content, clientMsgID string) (serverMsgID string, hit bool, err error)

	// CreateAssistantPlaceholder inserts an assistant message with empty
	// content and status=in_progress, returning its server_msg_id.
	CreateAssistantPlaceholder(ctx context.Context, convID, user string) (string, error)

	// UpdateAssistant finalizes (or fails) the placeholder in place. Returns
	// ErrNotInProgress if the message is no longer in_progress.
	UpdateAssistant(ctx context.Context, convID, serverMsgID, content string, toolCalls []ToolCall, generatedFiles []string, status string) error

	// AppendAssistantMessage inserts a completed assistant message carrying
	// mid-turn tool calls (metadata included), before the trailing
	// in_progress placeholder. Every role=tool observation then follows the
	// assistant message whose tool call it answers, so replayed history
	// keeps functionResponse parts paired with their functionCall parts.
	AppendAssistantMessage(ctx context.Context, convID, content string, toolCalls []ToolCall) error

	// AppendToolMessage inserts a role=tool message referencing toolCallID.
	// It lands before the trailing in_progress placeholder so the persisted
	// order matches the turn's state machine.
	AppendToolMessage(ctx context.Context, convID, toolCallID, name, content string, generatedFiles []string) error

	// NeighborNormalize merges the last two adjacent same-role messages whose
	// whitespace-collapsed contents are identical: their generated_files are
	// unioned in first-seen order and the earlier message is dropped.
	// Idempotent. Runs unconditionally after finalize.
	NeighborNormalize(ctx context.Context, convID string) error

	// Get returns the full conversation record.
	Get(ctx context.Context, convID string) (Conversation, error)

	// GetMessage returns one message by server_msg_id.
	GetMessage(ctx context.Context, convID, serverMsgID string) (Message, error)

	// List returns conversation summaries for a user, most recent first.
	List(ctx context.Context, user string) ([]ConversationInfo, error)

	// Workdir returns the conversation's working directory path, creating it
	// if absent.
	Workdir(convID string) (string, error)

	// ListFiles enumerates the working directory contents.
	ListFiles(convID string) ([]FileInfo, error)
}

// CollapseWhitespace reduces every whitespace run in s to a single space and
// trims the ends. This is the equivalence used by NeighborNormalize.
func CollapseWhitespace(s string) string {
	var b []byte
	inSpace := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\v', '\f':
			inSpace = true
		default:
			if inSpace && len(b) > 0 {
				b = append(b, ' ')
			}
			inSpace = false
			b = appendRune(b, r)
		}
	}
	return string(b)
}

func appendRune(b []byte, r rune) []byte {
	if r < 0x80 {
		return append(b, byte(r))
	}
	return append(b, string(r)...)
}
