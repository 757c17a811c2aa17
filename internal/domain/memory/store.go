package memory

import "context"

// Entry は想起された記憶1件
type Entry struct {
	Text  string
	Score float64
}

// Store は長期記憶の抽象化。Recall はスコア降順で返す
type Store interface {
	Recall(ctx context.Context, key, query string) ([]Entry, error)
}
