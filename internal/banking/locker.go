package banking

import "sync"

// keyedLocker はキーごとの非ブロッキングな排他ロック。
// 同一プロセス内で同じ銀行連携の同期が並行して走らないようにする。
// プロセスをまたぐ排他はsync_sessionsの部分一意インデックスが担う。
type keyedLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{held: make(map[string]struct{})}
}

// TryLock はkeyのロック取得を試みる。取得できた場合は解放関数とtrueを返す。
func (l *keyedLocker) TryLock(key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true
}
