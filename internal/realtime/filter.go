package realtime

import (
	"fmt"
	"slices"
)

type filterKind int

const (
	filterNone filterKind = iota
	filterConversation
	filterConversationIn
)

// Filter は購読対象の会話を指定する。
// 単一の会話、または明示的な会話IDの集合のいずれか。集合は購読時点で固定される。
type Filter struct {
	kind filterKind
	ids  map[string]struct{}
}

// ForConversation は単一の会話を対象とするFilterを返す。
func ForConversation(conversationID string) Filter {
	return Filter{
		kind: filterConversation,
		ids:  map[string]struct{}{conversationID: {}},
	}
}

// ForConversations は会話IDの集合を対象とするFilterを返す。空集合は何にも一致しない。
func ForConversations(conversationIDs []string) Filter {
	ids := make(map[string]struct{}, len(conversationIDs))
	for _, id := range conversationIDs {
		ids[id] = struct{}{}
	}
	return Filter{kind: filterConversationIn, ids: ids}
}

// Matches は会話IDがFilterに一致するかどうかを返す。
func (f Filter) Matches(conversationID string) bool {
	_, ok := f.ids[conversationID]
	return ok
}

// Valid はFilterがコンストラクタで生成されたものかどうかを返す。
func (f Filter) Valid() bool {
	if f.kind == filterConversation {
		return len(f.ids) == 1 && !f.Matches("")
	}
	return f.kind == filterConversationIn
}

// Scope はメトリクス用の購読種別を返す。
func (f Filter) Scope() string {
	if f.kind == filterConversation {
		return "conversation"
	}
	return "inbox"
}

// IDs は対象の会話IDをソート済みで返す。
func (f Filter) IDs() []string {
	ids := make([]string, 0, len(f.ids))
	for id := range f.ids {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (f Filter) String() string {
	switch f.kind {
	case filterConversation:
		return fmt.Sprintf("conversation_id=eq.%s", f.IDs()[0])
	case filterConversationIn:
		return fmt.Sprintf("conversation_id=in.%v", f.IDs())
	default:
		return "invalid"
	}
}
