// Package apiserver exposes quotes, unsigned transactions and the mirror over
// HTTP, plus a websocket stream of pool snapshots.
package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coldbell/clmm/backend/internal/config"
	"github.com/coldbell/clmm/backend/internal/dex"
	"github.com/coldbell/clmm/backend/internal/idns"
	"github.com/coldbell/clmm/backend/internal/mirror"
	"github.com/coldbell/clmm/backend/internal/txbuilder"
)

const defaultSnapshotInterval = 2 * time.Second

// Deps are built once in main and shared by every request.
type Deps struct {
	Reconciler   *mirror.Reconciler
	Transactions *txbuilder.Service
}

type Service struct {
	cfg              config.APIServerConfig
	logger           *zap.Logger
	reconciler       *mirror.Reconciler
	store            mirror.Store
	transactions     *txbuilder.Service
	quoter           *dex.Quoter
	ids              idns.Namespace
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
	snapshotInterval time.Duration
}

func New(cfg config.APIServerConfig, deps Deps, logger *zap.Logger) (*Service, error) {
	if deps.Reconciler == nil || deps.Transactions == nil {
		return nil, errors.New("api-server: reconciler and transaction service are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ids, err := idns.New(cfg.IDPrefix)
	if err != nil {
		return nil, err
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		switch trimmed {
		case "":
		case "*":
			allowAllOrigins = true
		default:
			allowedOriginSet[trimmed] = struct{}{}
		}
	}
	if len(allowedOriginSet) == 0 {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		reconciler:       deps.Reconciler,
		store:            deps.Reconciler.Store(),
		transactions:     deps.Transactions,
		quoter:           deps.Transactions.Quoter(),
		ids:              ids,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
		snapshotInterval: defaultSnapshotInterval,
	}, nil
}

// Handler returns the routed handler with CORS and request timeouts applied.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/v1/quotes/swap", s.handleQuoteSwap)
	mux.HandleFunc("POST /api/v1/quotes/liquidity", s.handleQuoteLiquidity)

	mux.HandleFunc("POST /api/v1/transactions/create-pool", s.handleCreatePool)
	mux.HandleFunc("POST /api/v1/transactions/open-position", s.handleOpenPosition)
	mux.HandleFunc("POST /api/v1/transactions/swap", s.handleSwap)

	mux.HandleFunc("POST /api/v1/reconcile/pools", s.handleReconcilePool)
	mux.HandleFunc("POST /api/v1/reconcile/swaps", s.handleReconcileSwap)
	mux.HandleFunc("POST /api/v1/reconcile/positions", s.handleReconcilePosition)

	mux.HandleFunc("POST /api/v1/presales", s.handleCreatePresale)
	mux.HandleFunc("POST /api/v1/presales/{id}/contributions", s.handleContribution)
	mux.HandleFunc("GET /api/v1/presales/{id}", s.handleGetPresale)
	mux.HandleFunc("GET /api/v1/positions", s.handlePositions)

	mux.HandleFunc("GET /ws", s.handleWebsocket)

	return s.withCORS(s.withTimeout(mux))
}

func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		zap.String("listen_addr", s.cfg.ListenAddr),
		zap.Strings("allowed_origins", s.cfg.AllowedOrigins),
		zap.String("id_prefix", s.ids.Prefix()),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && s.isOriginAllowed(origin) {
			if s.allowAllOrigins {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "300")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withTimeout bounds every request except the websocket, whose lifetime is
// the connection's.
func (s *Service) withTimeout(next http.Handler) http.Handler {
	if s.cfg.RequestTimeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" || s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}
