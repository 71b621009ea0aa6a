package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"mdbin/cfg"
	"mdbin/pkg/kms"
	"mdbin/svc/access"
	"mdbin/svc/api"
	"mdbin/svc/assoc"
	"mdbin/svc/auth"
	"mdbin/svc/cache"
	"mdbin/svc/db"
	"mdbin/svc/lim"
	"mdbin/svc/session"
	"mdbin/svc/svc"
	"mdbin/svc/util"
)

const (
	testAdminPassword = "admin-password-for-tests"
	browserUA         = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/128.0 Safari/537.36"
)

var (
	envLoadOnce sync.Once
	dbSeq       int64
)

func loadTestEnv() {
	envLoadOnce.Do(func() {
		for _, p := range []string{".env.test", "../.env.test"} {
			if abs, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(abs); err == nil && godotenv.Load(abs) == nil {
					break
				}
			}
		}
		if os.Getenv("PEPPER") == "" {
			os.Setenv("PEPPER", "0123456789ABCDEF0123456789ABCDEF")
		}
	})
}

func createTestConfig(t *testing.T) *cfg.Cfg {
	t.Helper()
	loadTestEnv()
	c, err := cfg.Load()
	if err != nil {
		t.Fatalf("cfg.Load: %v", err)
	}
	c.Port = "0"
	c.Environment = "test"
	c.LogLevel = "error"
	c.Argon2Time = 1
	c.Argon2Memory = 1024
	c.Argon2Parallelism = 1
	c.HasherWorkerCount = 4
	c.RateLimit = cfg.RateLimitCfg{RPM: 100000, Burst: 10000, ConservativeLimit: 100000}
	c.TrustedProxies = nil
	c.MetricsUser = ""
	c.MetricsPass = cfg.NewSecret("")
	c.ContextTimeout = 10 * time.Second
	c.SessionsEnabled = true
	c.ViewWorkers = 2
	c.KeyCacheTTL = time.Minute
	return c
}

type stack struct {
	ts       *httptest.Server
	cfg      *cfg.Cfg
	db       *db.SQLite
	paste    *svc.Paste
	sessions *session.Store
}

// newStack wires the full service behind a TLS test server; the session
// cookies are Secure and would not round-trip over plain HTTP.
func newStack(t *testing.T, tweak func(*cfg.Cfg)) *stack {
	t.Helper()
	c := createTestConfig(t)
	if tweak != nil {
		tweak(c)
	}
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	if os.Getenv("KMS_LOCAL_KEY") == "" {
		t.Setenv("KMS_LOCAL_KEY", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	}
	ctx := context.Background()

	dsn := fmt.Sprintf("file:apitest%d?mode=memory&cache=shared", atomic.AddInt64(&dbSeq, 1))
	sqlDB, err := db.NewSQLiteWithConfig(dsn, 1, 1, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	lru, err := cache.NewLRU(1000, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	digests, err := cache.NewDigests(1024)
	if err != nil {
		t.Fatal(err)
	}
	pepper := []byte(c.Pepper.Value())
	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper, digests)
	if err != nil {
		t.Fatal(err)
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		t.Fatal(err)
	}
	ipHasher, err := util.NewIPHasher(pepper, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	kmsAdapter, err := kms.NewAdapter(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sessions := session.NewStore(sqlDB, nil, time.Minute)
	resolver := assoc.New(sessions, ipHasher, assoc.Config{
		Enabled:           c.SessionsEnabled,
		SessionMaxAge:     c.SessionMaxAge,
		AssociationMaxAge: c.AssociationMaxAge,
	})
	evaluator, err := access.NewEvaluator(ctx, hasher, testAdminPassword, c.IsReservedGroup)
	if err != nil {
		t.Fatal(err)
	}
	pasteSvc := svc.NewPaste(svc.Deps{
		DB: sqlDB, LRU: lru, Sessions: sessions, Resolver: resolver,
		Access: evaluator, Hasher: hasher, KMS: kmsAdapter, Cfg: c,
	})
	limiter, err := lim.New(lim.Config{
		RPM:            c.RateLimit.RPM,
		Burst:          c.RateLimit.Burst,
		Conservative:   c.RateLimit.ConservativeLimit,
		TrustedProxies: c.TrustedProxies,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	server := api.NewServer(c, api.Deps{
		Paste: pasteSvc, Resolver: resolver, Limiter: limiter, DB: sqlDB,
	})
	ts := httptest.NewTLSServer(server)

	t.Cleanup(func() {
		ts.Close()
		pasteSvc.Shutdown()
		limiter.Stop()
		ipHasher.Stop()
		hasher.Stop()
		sqlDB.Close()
	})
	return &stack{ts: ts, cfg: c, db: sqlDB, paste: pasteSvc, sessions: sessions}
}

// client is one browser (or script) talking to the stack with its own
// cookie jar.
type client struct {
	t    *testing.T
	s    *stack
	http *http.Client
	ua   string
}

func (s *stack) browser(t *testing.T) *client {
	return s.newClient(t, browserUA)
}

func (s *stack) newClient(t *testing.T, ua string) *client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	hc := &http.Client{
		Transport:     s.ts.Client().Transport,
		Jar:           jar,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	return &client{t: t, s: s, http: hc, ua: ua}
}

type reply struct {
	status  int
	header  http.Header
	success bool
	message string
	payload json.RawMessage
}

func (c *client) do(method, path string, contentType string, body io.Reader) *reply {
	c.t.Helper()
	req, err := http.NewRequest(method, c.s.ts.URL+path, body)
	if err != nil {
		c.t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatal(err)
	}
	r := &reply{status: resp.StatusCode, header: resp.Header}
	var tuple []json.RawMessage
	if json.Unmarshal(raw, &tuple) == nil && len(tuple) >= 2 {
		json.Unmarshal(tuple[0], &r.success)
		json.Unmarshal(tuple[1], &r.message)
		if len(tuple) > 2 {
			r.payload = tuple[2]
		}
	}
	return r
}

func (c *client) get(path string) *reply {
	c.t.Helper()
	return c.do(http.MethodGet, path, "", nil)
}

func (c *client) post(path string, body interface{}) *reply {
	c.t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		c.t.Fatal(err)
	}
	return c.do(http.MethodPost, path, "application/json", bytes.NewReader(b))
}

func (c *client) postForm(path string, form url.Values) *reply {
	c.t.Helper()
	return c.do(http.MethodPost, path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

// visit loads a page so the browser is issued a session.
func (c *client) visit(pasteURL string) *reply {
	c.t.Helper()
	return c.get("/p/" + pasteURL)
}

func (c *client) cookie(name string) string {
	u, _ := url.Parse(c.s.ts.URL)
	for _, ck := range c.http.Jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func (c *client) whoami() string {
	c.t.Helper()
	r := c.get("/api/whoami")
	var p api.WhoAmIPayload
	if err := json.Unmarshal(r.payload, &p); err != nil {
		c.t.Fatalf("whoami payload %q: %v", r.payload, err)
	}
	return p.CustomURL
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return v
}

func mustOK(t *testing.T, r *reply) *reply {
	t.Helper()
	if !r.success || r.status != http.StatusOK {
		t.Fatalf("expected success, got status=%d msg=%q", r.status, r.message)
	}
	return r
}
