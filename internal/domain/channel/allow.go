package channel

import "strings"

// AllowList は送信者の許可リスト。空なら全員許可
type AllowList struct {
	ids map[string]struct{}
}

// NewAllowList は許可リストを作成。前後の空白と空要素は無視する
func NewAllowList(ids []string) AllowList {
	al := AllowList{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if al.ids == nil {
			al.ids = make(map[string]struct{})
		}
		al.ids[id] = struct{}{}
	}
	return al
}

// Allows は送信者が許可されているか。ids のいずれかが一致すればよい（ID とユーザー名など）
func (a AllowList) Allows(ids ...string) bool {
	if len(a.ids) == 0 {
		return true
	}
	for _, id := range ids {
		if _, ok := a.ids[id]; ok {
			return true
		}
	}
	return false
}
