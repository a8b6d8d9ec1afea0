package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/chat-relay/chat"
)

type memStore struct {
	mu    sync.Mutex
	c     Credential
	saves int
	err   error
}

func (s *memStore) Load(context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c, nil
}

func (s *memStore) Save(_ context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.c = c
	s.saves++
	return nil
}

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return epoch }

func TestGetValidTokenNoRefreshWhenFresh(t *testing.T) {
	var calls int32
	m := NewManager(Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: epoch.Add(time.Hour)}, nil,
		func(context.Context, string) (Credential, error) {
			atomic.AddInt32(&calls, 1)
			return Credential{}, nil
		}, Options{Now: fixedNow})
	tok, err := m.GetValidToken(context.Background())
	if err != nil || tok != "a1" {
		t.Fatalf("GetValidToken() = %q, %v", tok, err)
	}
	if calls != 0 {
		t.Errorf("refresh called %d times", calls)
	}
}

func TestGetValidTokenRefreshesInsideMargin(t *testing.T) {
	store := &memStore{}
	m := NewManager(Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: epoch.Add(30 * time.Second)}, store,
		func(_ context.Context, rt string) (Credential, error) {
			if rt != "r1" {
				t.Errorf("refresh token = %q", rt)
			}
			return Credential{AccessToken: "a2", ExpiresAt: epoch.Add(4 * time.Hour)}, nil
		}, Options{Now: fixedNow})

	tok, err := m.GetValidToken(context.Background())
	if err != nil || tok != "a2" {
		t.Fatalf("GetValidToken() = %q, %v", tok, err)
	}
	cur := m.Current()
	if !cur.ExpiresAt.After(epoch) {
		t.Errorf("handed-out token expires at %v, not in the future", cur.ExpiresAt)
	}
	if cur.RefreshToken != "r1" {
		t.Errorf("refresh token not kept when omitted: %q", cur.RefreshToken)
	}
	if store.saves != 1 || store.c.AccessToken != "a2" {
		t.Errorf("store = %+v saves=%d, want persisted a2", store.c, store.saves)
	}
}

func TestGetValidTokenExpiredRefreshFails(t *testing.T) {
	m := NewManager(Credential{AccessToken: "a1", RefreshToken: "bad", ExpiresAt: epoch.Add(-time.Minute)}, nil,
		func(context.Context, string) (Credential, error) {
			return Credential{}, errors.New("invalid refresh token")
		}, Options{Now: fixedNow})
	_, err := m.GetValidToken(context.Background())
	if chat.Classify(err) != chat.KindAuthExpired {
		t.Fatalf("error kind = %v (%v), want auth_expired", chat.Classify(err), err)
	}
	if m.LastError() == nil {
		t.Error("LastError() not set after failure")
	}
}

func TestNoRefreshToken(t *testing.T) {
	tests := []struct {
		name    string
		cred    Credential
		wantTok string
		wantErr bool
	}{
		{"unknown expiry", Credential{AccessToken: "a"}, "a", false},
		{"inside margin but not expired", Credential{AccessToken: "a", ExpiresAt: epoch.Add(10 * time.Second)}, "a", false},
		{"expired", Credential{AccessToken: "a", ExpiresAt: epoch.Add(-time.Second)}, "", true},
		{"empty", Credential{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.cred, nil, nil, Options{Now: fixedNow})
			tok, err := m.GetValidToken(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tok != tt.wantTok {
				t.Errorf("token = %q, want %q", tok, tt.wantTok)
			}
			if err != nil && !errors.Is(err, ErrNoRefreshToken) {
				t.Errorf("err = %v, want ErrNoRefreshToken", err)
			}
		})
	}
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	m := NewManager(Credential{AccessToken: "old", RefreshToken: "r", ExpiresAt: epoch.Add(-time.Minute)}, nil,
		func(context.Context, string) (Credential, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return Credential{AccessToken: "new", ExpiresAt: epoch.Add(time.Hour)}, nil
		}, Options{Now: fixedNow})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.GetValidToken(context.Background())
			if err != nil {
				t.Errorf("GetValidToken() error: %v", err)
			}
			results[i] = tok
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	if calls != 1 {
		t.Errorf("refresh called %d times, want 1", calls)
	}
	for i, r := range results {
		if r != "new" {
			t.Errorf("result[%d] = %q", i, r)
		}
	}
}

func TestForceRefresh(t *testing.T) {
	var calls int32
	m := NewManager(Credential{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: epoch.Add(time.Hour)}, nil,
		func(context.Context, string) (Credential, error) {
			n := atomic.AddInt32(&calls, 1)
			return Credential{AccessToken: "forced", RefreshToken: "r2", ExpiresAt: epoch.Add(time.Duration(n) * time.Hour)}, nil
		}, Options{Now: fixedNow})
	tok, err := m.ForceRefresh(context.Background())
	if err != nil || tok != "forced" {
		t.Fatalf("ForceRefresh() = %q, %v", tok, err)
	}
	if m.Current().RefreshToken != "r2" {
		t.Errorf("rotated refresh token not stored")
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d", calls)
	}
}

func TestRefreshAdoptsNewerStoredCredential(t *testing.T) {
	store := &memStore{c: Credential{AccessToken: "from-store", RefreshToken: "r9", ExpiresAt: epoch.Add(time.Hour)}}
	var calls int32
	m := NewManager(Credential{AccessToken: "old", RefreshToken: "dead", ExpiresAt: epoch.Add(-time.Hour)}, store,
		func(context.Context, string) (Credential, error) {
			atomic.AddInt32(&calls, 1)
			return Credential{}, errors.New("should not be called")
		}, Options{Now: fixedNow})
	tok, err := m.GetValidToken(context.Background())
	if err != nil || tok != "from-store" {
		t.Fatalf("GetValidToken() = %q, %v", tok, err)
	}
	if calls != 0 {
		t.Errorf("refresh exchange ran despite usable stored credential")
	}
}

func TestBootstrapPrefersStore(t *testing.T) {
	store := &memStore{c: Credential{AccessToken: "stored", RefreshToken: "r"}}
	m := NewManager(Credential{AccessToken: "env"}, store, nil, Options{Now: fixedNow})
	if err := m.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Current().AccessToken != "stored" {
		t.Errorf("Current() = %+v", m.Current())
	}

	empty := NewManager(Credential{AccessToken: "env"}, &memStore{}, nil, Options{Now: fixedNow})
	if err := empty.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if empty.Current().AccessToken != "env" {
		t.Errorf("empty store replaced initial credential")
	}
}

func TestPersistFailureWithholdsToken(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	var calls int32
	m := NewManager(Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: epoch.Add(-time.Minute)}, store,
		func(context.Context, string) (Credential, error) {
			atomic.AddInt32(&calls, 1)
			return Credential{AccessToken: "b", RefreshToken: "r2", ExpiresAt: epoch.Add(time.Hour)}, nil
		}, Options{Now: fixedNow})

	tok, err := m.GetValidToken(context.Background())
	if !errors.Is(err, ErrNotPersisted) || tok != "" {
		t.Fatalf("GetValidToken() = %q, %v; want ErrNotPersisted", tok, err)
	}
	if k := chat.Classify(err); k != chat.KindTransientNetwork {
		t.Errorf("kind = %v", k)
	}
	if !errors.Is(m.LastError(), ErrNotPersisted) {
		t.Errorf("LastError() = %v", m.LastError())
	}
	// The rotated pair stays in memory so it is not lost.
	if cur := m.Current(); cur.AccessToken != "b" || cur.RefreshToken != "r2" {
		t.Errorf("Current() = %+v", cur)
	}
	// Still withheld while the store keeps failing.
	if _, err := m.GetValidToken(context.Background()); !errors.Is(err, ErrNotPersisted) {
		t.Fatalf("second call err = %v", err)
	}

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	tok, err = m.GetValidToken(context.Background())
	if err != nil || tok != "b" {
		t.Fatalf("after recovery GetValidToken() = %q, %v", tok, err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.c.RefreshToken != "r2" || store.saves != 1 {
		t.Errorf("store = %+v (saves %d)", store.c, store.saves)
	}
	if m.LastError() != nil {
		t.Errorf("LastError() = %v after save", m.LastError())
	}
}

func TestWaitingCallerHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	m := NewManager(Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: epoch.Add(-time.Minute)}, nil,
		func(context.Context, string) (Credential, error) {
			<-release
			return Credential{AccessToken: "b", ExpiresAt: epoch.Add(time.Hour)}, nil
		}, Options{Now: fixedNow})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.GetValidToken(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestCloseRejectsRefresh(t *testing.T) {
	m := NewManager(Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: epoch.Add(-time.Minute)}, nil,
		func(context.Context, string) (Credential, error) {
			return Credential{AccessToken: "b", ExpiresAt: epoch.Add(time.Hour)}, nil
		}, Options{Now: fixedNow})
	m.Close()
	if _, err := m.GetValidToken(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestStartRefresherRefreshesAhead(t *testing.T) {
	refreshed := make(chan struct{}, 1)
	// Fresh for the first ~900ms, then inside interval+margin before it reaches the margin.
	m := NewManager(Credential{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(2 * time.Second)}, nil,
		func(context.Context, string) (Credential, error) {
			select {
			case refreshed <- struct{}{}:
			default:
			}
			return Credential{AccessToken: "b", ExpiresAt: time.Now().Add(time.Hour)}, nil
		}, Options{Margin: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartRefresher(ctx, 100*time.Millisecond)

	select {
	case <-refreshed:
	case <-time.After(5 * time.Second):
		t.Fatal("refresher never refreshed")
	}
	deadline := time.Now().Add(time.Second)
	for m.Current().AccessToken != "b" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Current().AccessToken != "b" {
		t.Errorf("Current() = %+v", m.Current())
	}
}
