package service

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

const defaultMentionPageSize = 8

// Candidate 是 @ 补全中的一个候选成员。
type Candidate struct {
	UserID uint   `json:"user_id"`
	Label  string `json:"label"`
}

// MentionService 为输入框提供成员补全。
type MentionService struct {
	rooms    *RoomService
	pageSize int
}

func NewMentionService(rooms *RoomService, pageSize int) *MentionService {
	if pageSize <= 0 {
		pageSize = defaultMentionPageSize
	}
	return &MentionService{rooms: rooms, pageSize: pageSize}
}

// ListMentionCandidates 返回显示名包含 query（不区分大小写）的成员，按名称排序并截断到一页。
// query 为空时返回前一页成员。
func (s *MentionService) ListMentionCandidates(ctx context.Context, actor *Identity, roomID uint, query string) ([]Candidate, error) {
	if _, err := s.rooms.CanRead(ctx, actor, roomID); err != nil {
		return nil, err
	}
	members, err := listMembers(ctx, s.rooms.db, roomID)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Candidate, 0, len(members))
	for _, m := range members {
		if q != "" && !strings.Contains(strings.ToLower(m.DisplayName), q) {
			continue
		}
		out = append(out, Candidate{UserID: m.UserID, Label: m.DisplayName})
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := strings.ToLower(out[i].Label), strings.ToLower(out[j].Label)
		if li != lj {
			return li < lj
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > s.pageSize {
		out = out[:s.pageSize]
	}
	return out, nil
}

// Segment 是消息正文的一个片段，Mention 为 true 时以提及样式展示。
type Segment struct {
	Text    string `json:"text"`
	Mention bool   `json:"mention,omitempty"`
}

// RenderMentions 按空白切分正文，以 @ 开头且长度大于 1 的词标记为提及。
// 只做词法处理，不校验被提及的人是否存在。词之间以单个空格片段连接。
func RenderMentions(text string) []Segment {
	words := strings.Fields(text)
	out := make([]Segment, 0, len(words)*2)
	for i, w := range words {
		if i > 0 {
			out = append(out, Segment{Text: " "})
		}
		out = append(out, Segment{Text: w, Mention: len(w) > 1 && strings.HasPrefix(w, "@")})
	}
	return out
}

// FindMentionQuery 查找光标前正在输入的 @ 词。caret 以 rune 计数，超出范围时按末尾处理。
// 返回 @ 之后的部分（小写）、@ 的起始位置，以及是否找到。
func FindMentionQuery(text string, caret int) (query string, start int, ok bool) {
	runes := []rune(text)
	caret = clampCaret(caret, len(runes))
	start = caret
	for start > 0 && !unicode.IsSpace(runes[start-1]) {
		start--
	}
	if start == caret || runes[start] != '@' {
		return "", 0, false
	}
	return strings.ToLower(string(runes[start+1 : caret])), start, true
}

// ApplyMention 用 "@label " 替换光标处未完成的 @ 词，返回新文本与新光标位置。
// 光标前没有 @ 词时原样返回。
func ApplyMention(text string, caret int, label string) (string, int) {
	runes := []rune(text)
	caret = clampCaret(caret, len(runes))
	_, start, ok := FindMentionQuery(text, caret)
	if !ok {
		return text, caret
	}
	before := string(runes[:start]) + "@" + label + " "
	return before + string(runes[caret:]), len([]rune(before))
}

func clampCaret(caret, n int) int {
	if caret < 0 || caret > n {
		return n
	}
	return caret
}
