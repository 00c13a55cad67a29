package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/benchkeeper/internal/agent"
	"github.com/iudanet/benchkeeper/internal/client/iocli"
	"github.com/iudanet/benchkeeper/internal/config"
	"github.com/iudanet/benchkeeper/pkg/api"
)

// testIO собирает вывод в буфер и отдает заранее заданный ввод
type testIO struct {
	*iocli.IOMock
	out *bytes.Buffer
}

func newTestIO(inputs ...string) *testIO {
	var mu sync.Mutex
	out := &bytes.Buffer{}
	mock := &iocli.IOMock{
		PrintfFunc: func(format string, a ...any) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(out, format, a...)
		},
		PrintlnFunc: func(a ...any) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintln(out, a...)
		},
		WriteFunc: func(p []byte) (int, error) {
			mu.Lock()
			defer mu.Unlock()
			return out.Write(p)
		},
		ReadInputFunc: func(prompt string) (string, error) {
			if len(inputs) == 0 {
				return "", io.EOF
			}
			next := inputs[0]
			inputs = inputs[1:]
			return next, nil
		},
		ReadPasswordFunc: func(prompt string) (string, error) {
			if len(inputs) == 0 {
				return "", io.EOF
			}
			next := inputs[0]
			inputs = inputs[1:]
			return next, nil
		},
	}
	return &testIO{IOMock: mock, out: out}
}

// fakeAgent минимальный локальный API агента
type fakeAgent struct {
	mu       sync.Mutex
	events   []api.EventRequest
	query    string
	lease    api.LeaseRequest
	filename string
	dryRun   string
}

func (f *fakeAgent) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req api.EventRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Identifier == "GF-404" {
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "asset not found", Code: api.CodeUnknownAsset})
			return
		}

		f.mu.Lock()
		f.events = append(f.events, req)
		n := len(f.events)
		f.mu.Unlock()

		status := "IN"
		if req.Type == api.EventCheckOut {
			status = "OUT"
		}
		writeJSON(w, http.StatusAccepted, api.OperationResponse{
			Asset:       api.Asset{Tag: req.Identifier, Status: status, Site: "AUS"},
			OperationID: fmt.Sprintf("op-%d", n),
		})
	})
	mux.HandleFunc("GET /api/v1/assets", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.query = r.URL.RawQuery
		f.mu.Unlock()

		if r.URL.Query().Get("view") == api.ViewExpiring {
			maturity := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
			days := 12
			writeJSON(w, http.StatusOK, api.AssetListResponse{
				View: api.ViewExpiring,
				Days: 30,
				Assets: []api.Asset{
					{Tag: "GF-3", Serial: "SN3", Status: "OUT", Site: "AUS", LeaseMaturity: &maturity, LeaseDaysRemaining: &days, ExpiryFlagged: true},
				},
			})
			return
		}
		writeJSON(w, http.StatusOK, api.AssetListResponse{
			View: r.URL.Query().Get("view"),
			Assets: []api.Asset{
				{Tag: "GF-1", Serial: "SN1", Status: "IN", Site: "AUS", AssignedTechnician: "jdoe"},
				{Tag: "GF-2", Serial: "SN2", Status: "IN", Site: "AUS", Flagged: true, FlagNotes: "cracked hinge"},
			},
		})
	})
	mux.HandleFunc("GET /api/v1/assets/{tag}", func(w http.ResponseWriter, r *http.Request) {
		start := time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)
		maturity := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
		days := 40
		writeJSON(w, http.StatusOK, api.Asset{
			Tag: r.PathValue("tag"), Serial: "SN1", Status: "OUT", Site: "AUS", Model: "T14",
			LeaseStart: &start, LeaseMaturity: &maturity, LeaseDaysRemaining: &days, ExpiryFlagged: true,
		})
	})
	mux.HandleFunc("GET /api/v1/history", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.query = r.URL.RawQuery
		f.mu.Unlock()

		q := r.URL.Query().Get("q")
		if q == "" {
			days, _ := strconv.Atoi(r.URL.Query().Get("days"))
			writeJSON(w, http.StatusOK, api.HistoryResponse{Days: days, Events: []api.Event{}})
			return
		}
		writeJSON(w, http.StatusOK, api.HistoryResponse{Query: q, Events: []api.Event{
			{EventID: "e1", AssetTag: "GF-5", Type: api.EventCheckIn, Site: "AUS", Technician: "jdoe",
				ClientTimestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		}})
	})
	mux.HandleFunc("PUT /api/v1/assets/{tag}/lease", func(w http.ResponseWriter, r *http.Request) {
		var req api.LeaseRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.lease = req
		f.mu.Unlock()

		maturity, err := time.Parse(time.DateOnly, req.LeaseMaturity)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "bad date", Code: api.CodeInvalidInput})
			return
		}
		days := 20
		writeJSON(w, http.StatusAccepted, api.OperationResponse{
			Asset:       api.Asset{Tag: r.PathValue("tag"), Status: "IN", LeaseMaturity: &maturity, LeaseDaysRemaining: &days, ExpiryFlagged: true},
			OperationID: "op-lease",
		})
	})
	mux.HandleFunc("POST /api/v1/leases/import", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		_ = file.Close()

		f.mu.Lock()
		f.filename = header.Filename
		f.dryRun = r.FormValue("dry_run")
		f.mu.Unlock()

		writeJSON(w, http.StatusOK, api.LeaseImportResponse{
			Total:    3,
			Updated:  1,
			DryRun:   r.FormValue("dry_run") == "true",
			NotFound: []string{"SN-GONE"},
			Errors:   []api.LeaseRowError{{Row: 4, Serial: "SN4", Message: `lease start: invalid date "soon"`}},
		})
	})
	mux.HandleFunc("GET /api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.Status{Role: "REPLICA(1)", Endpoint: "replica-1", QueueDepth: 3, Conflicts: 1})
	})
	mux.HandleFunc("GET /api/v1/conflicts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.ConflictsResponse{Conflicts: []api.Conflict{}})
	})
	mux.HandleFunc("POST /api/v1/conflicts/{id}/resolve", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "op-7" {
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{Error: "operation not found", Code: api.CodeNotFound})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// execute запускает корневую команду против фейкового агента
func execute(t *testing.T, tio *testIO, args ...string) (*fakeAgent, error) {
	t.Helper()

	fake := &fakeAgent{}
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	cmd := NewRootCommand(agent.BuildInfo{Version: "test"}, tio)
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(t.TempDir(), "missing.yaml"),
		"--server", server.URL,
		"--token", "tok",
	}, args...))
	return fake, cmd.Execute()
}

func TestCheckCommand(t *testing.T) {
	tio := newTestIO()
	fake, err := execute(t, tio, "checkin", "GF-1", "GF-404", "--notes", "bench 7")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 assets failed")
	assert.Contains(t, tio.out.String(), "✓ GF-1 checked in at AUS [op op-1]")
	assert.Contains(t, tio.out.String(), "✗ GF-404:")
	assert.Contains(t, tio.out.String(), "Register it first: benchkeeper register GF-404 --serial <serial>")

	require.Len(t, fake.events, 1)
	assert.Equal(t, api.EventCheckIn, fake.events[0].Type)
	assert.Equal(t, "bench 7", fake.events[0].Notes)
}

func TestCheckCommand_JSON(t *testing.T) {
	tio := newTestIO()
	_, err := execute(t, tio, "--format", "json", "checkout", "GF-1")
	require.NoError(t, err)

	var results []api.OperationResponse
	require.NoError(t, json.Unmarshal(tio.out.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "OUT", results[0].Asset.Status)
}

func TestScanCommand(t *testing.T) {
	tio := newTestIO("GF-1", "GF-404", "SN2", "")
	fake, err := execute(t, tio, "scan", "--type", "out")
	require.NoError(t, err)

	require.Len(t, fake.events, 2)
	assert.Equal(t, "GF-1", fake.events[0].Identifier)
	assert.Equal(t, "SN2", fake.events[1].Identifier)
	for _, e := range fake.events {
		assert.Equal(t, api.EventCheckOut, e.Type)
	}
	assert.Contains(t, tio.out.String(), "2 recorded, 1 failed")
	assert.Contains(t, tio.out.String(), "benchkeeper register GF-404")
	assert.Len(t, tio.ReadInputCalls(), 4)
}

func TestScanCommand_EOF(t *testing.T) {
	tio := newTestIO("GF-1")
	fake, err := execute(t, tio, "scan")
	require.NoError(t, err)
	assert.Len(t, fake.events, 1)
	assert.Contains(t, tio.out.String(), "1 recorded, 0 failed")
}

func TestScanCommand_InvalidType(t *testing.T) {
	_, err := execute(t, newTestIO(), "scan", "--type", "sideways")
	assert.Error(t, err)
}

func TestInventoryCommand(t *testing.T) {
	tio := newTestIO()
	_, err := execute(t, tio, "inventory", "--view", "flagged")
	require.NoError(t, err)

	out := tio.out.String()
	assert.Contains(t, out, "TAG")
	assert.Contains(t, out, "GF-1")
	assert.Contains(t, out, "⚑ cracked hinge")
	assert.Contains(t, out, "2 asset(s)")
}

func TestShowCommand(t *testing.T) {
	tio := newTestIO()
	_, err := execute(t, tio, "show", "GF-9")
	require.NoError(t, err)
	assert.Contains(t, tio.out.String(), "=== Asset GF-9 ===")
	assert.Contains(t, tio.out.String(), "Status:     OUT")
	assert.Contains(t, tio.out.String(), "T14")
	assert.Contains(t, tio.out.String(), "Lease:      2023-04-01 → 2026-04-01 (40 days left)  ⚠️  expiring")
}

func TestInventoryCommand_Expiring(t *testing.T) {
	tio := newTestIO()
	fake, err := execute(t, tio, "inventory", "--view", "expiring", "--days", "30")
	require.NoError(t, err)

	assert.Equal(t, "view=expiring&days=30", fake.query)
	out := tio.out.String()
	assert.Contains(t, out, "LEASE ENDS")
	assert.Contains(t, out, "2026-05-01")
	assert.Contains(t, out, "GF-3")
	assert.Contains(t, out, "1 asset(s)")
}

func TestHistoryCommand_AllAssets(t *testing.T) {
	tio := newTestIO()
	fake, err := execute(t, tio, "history", "--search", "5CG")
	require.NoError(t, err)
	assert.Equal(t, "q=5CG", fake.query)
	assert.Contains(t, tio.out.String(), "GF-5")
	assert.Contains(t, tio.out.String(), api.EventCheckIn)

	tio = newTestIO()
	fake, err = execute(t, tio, "history", "--days", "3")
	require.NoError(t, err)
	assert.Equal(t, "days=3", fake.query)
	assert.Contains(t, tio.out.String(), "No events in the last 3 day(s)")

	_, err = execute(t, newTestIO(), "history", "GF-1", "GF-2")
	assert.Error(t, err)
}

func TestLeaseCommand(t *testing.T) {
	tio := newTestIO()
	fake, err := execute(t, tio, "lease", "GF-1", "--maturity", "2026-05-01")
	require.NoError(t, err)
	assert.Equal(t, api.LeaseRequest{LeaseMaturity: "2026-05-01"}, fake.lease)
	assert.Contains(t, tio.out.String(), "✓ GF-1 lease - → 2026-05-01 [op op-lease]")
	assert.Contains(t, tio.out.String(), "lease ends in 20 day(s)")

	_, err = execute(t, newTestIO(), "lease", "GF-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--start or --maturity")

	_, err = execute(t, newTestIO(), "lease", "GF-1", "--maturity", "05/01/2026")
	assert.Error(t, err)
}

func TestLeaseImportCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daas-report.csv")
	require.NoError(t, os.WriteFile(path, []byte("Serial Number,Lease Start Date,Lease Maturity Date\n"), 0o600))

	tio := newTestIO()
	fake, err := execute(t, tio, "lease", "import", path, "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, "daas-report.csv", fake.filename)
	assert.Equal(t, "true", fake.dryRun)

	out := tio.out.String()
	assert.Contains(t, out, "3 row(s): 1 would update")
	assert.Contains(t, out, "? SN-GONE: no asset with this serial")
	assert.Contains(t, out, `lease start: invalid date "soon"`)

	_, err = execute(t, newTestIO(), "lease", "import", filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open lease file")
}

func TestStatusCommand(t *testing.T) {
	tio := newTestIO()
	_, err := execute(t, tio, "status")
	require.NoError(t, err)

	out := tio.out.String()
	assert.Contains(t, out, "REPLICA(1) (replica-1)")
	assert.Contains(t, out, "3 pending")
	assert.Contains(t, out, "benchkeeper conflicts")
}

func TestConflictsAndResolve(t *testing.T) {
	tio := newTestIO()
	_, err := execute(t, tio, "conflicts")
	require.NoError(t, err)
	assert.Contains(t, tio.out.String(), "✓ No conflicts")

	tio = newTestIO()
	_, err = execute(t, tio, "resolve", "op-7")
	require.NoError(t, err)
	assert.Contains(t, tio.out.String(), "✓ Conflict op-7 resolved")

	_, err = execute(t, newTestIO(), "resolve", "op-8")
	assert.Error(t, err)
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, err := execute(t, newTestIO(), "--format", "xml", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRegisterCommand_RequiresSerial(t *testing.T) {
	_, err := execute(t, newTestIO(), "register", "GF-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--serial")
}

// TestPassphrase_FromEnvVar проверяет чтение пароля из переменной окружения
func TestPassphrase_FromEnvVar(t *testing.T) {
	t.Setenv(config.PassphraseEnv, "env_passphrase_123")
	opts := &RootOptions{IO: newTestIO()}

	passphrase, err := opts.passphrase()
	require.NoError(t, err)
	assert.Equal(t, "env_passphrase_123", passphrase)
}

// TestPassphrase_FromFile проверяет чтение пароля из файла
func TestPassphrase_FromFile(t *testing.T) {
	t.Setenv(config.PassphraseEnv, "")
	path := filepath.Join(t.TempDir(), "passphrase.txt")
	require.NoError(t, os.WriteFile(path, []byte("file_passphrase_456\n"), 0o600))

	opts := &RootOptions{IO: newTestIO(), PassphraseFile: path}
	passphrase, err := opts.passphrase()
	require.NoError(t, err)
	assert.Equal(t, "file_passphrase_456", passphrase)
}

// TestPassphrase_Priority проверяет приоритет источников:
// переменная окружения важнее файла
func TestPassphrase_Priority(t *testing.T) {
	t.Setenv(config.PassphraseEnv, "env_wins")
	path := filepath.Join(t.TempDir(), "passphrase.txt")
	require.NoError(t, os.WriteFile(path, []byte("file_loses"), 0o600))

	tio := newTestIO("prompt_loses")
	opts := &RootOptions{IO: tio, PassphraseFile: path}
	passphrase, err := opts.passphrase()
	require.NoError(t, err)
	assert.Equal(t, "env_wins", passphrase)
	assert.Empty(t, tio.ReadPasswordCalls())
}

// TestPassphrase_Prompt проверяет интерактивный ввод
func TestPassphrase_Prompt(t *testing.T) {
	t.Setenv(config.PassphraseEnv, "")
	tio := newTestIO("typed")
	opts := &RootOptions{IO: tio}

	passphrase, err := opts.passphrase()
	require.NoError(t, err)
	assert.Equal(t, "typed", passphrase)
	require.Len(t, tio.ReadPasswordCalls(), 1)
	assert.Equal(t, "Passphrase: ", tio.ReadPasswordCalls()[0].Prompt)
}

// TestPassphrase_Errors проверяет пустой и отсутствующий файл
func TestPassphrase_Errors(t *testing.T) {
	t.Setenv(config.PassphraseEnv, "")
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o600))

	tests := []struct {
		name string
		file string
	}{
		{name: "empty file", file: empty},
		{name: "missing file", file: filepath.Join(dir, "missing.txt")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &RootOptions{IO: newTestIO(), PassphraseFile: tt.file}
			_, err := opts.passphrase()
			assert.Error(t, err)
		})
	}
}

func TestToken_Priority(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Agent.TokenFile = filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(cfg.Agent.TokenFile, []byte("from-file\n"), 0o600))

	t.Setenv(TokenEnv, "")
	opts := &RootOptions{}
	token, err := opts.token(cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-file", token)

	t.Setenv(TokenEnv, "from-env")
	token, err = opts.token(cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-env", token)

	opts.Token = "from-flag"
	token, err = opts.token(cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", token)
}

func TestToken_Missing(t *testing.T) {
	t.Setenv(TokenEnv, "")
	cfg := config.Default()
	cfg.Agent.TokenFile = filepath.Join(t.TempDir(), "token")

	_, err := (&RootOptions{}).token(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "benchkeeper token --save")
}

func TestTokenCommand_Save(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "benchkeeper.yaml")
	tokenFile := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
agent:
  db_path: %s
  site: AUS
  technician: jdoe
  token_file: %s
endpoints:
  primary:
    driver: sqlite
    path: %s
auth:
  token_secret: cli-test-secret-0123456789
`, filepath.Join(dir, "local.db"), tokenFile, filepath.Join(dir, "central.db"))), 0o600))

	tio := newTestIO()
	cmd := NewRootCommand(agent.BuildInfo{}, tio)
	cmd.SetArgs([]string{"--config", path, "token", "--save"})
	require.NoError(t, cmd.Execute())

	saved, err := os.ReadFile(tokenFile)
	require.NoError(t, err)
	assert.NotEmpty(t, bytes.TrimSpace(saved))
	assert.Contains(t, tio.out.String(), "✓ Token for jdoe saved")
}

func TestVersionCommand(t *testing.T) {
	tio := newTestIO()
	cmd := NewRootCommand(agent.BuildInfo{Version: "1.2.3", GitCommit: "abc"}, tio)
	cmd.SetArgs([]string{"version", "--format", "json"})
	require.NoError(t, cmd.Execute())

	var info agent.BuildInfo
	require.NoError(t, json.Unmarshal(tio.out.Bytes(), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "abc", info.GitCommit)
}
