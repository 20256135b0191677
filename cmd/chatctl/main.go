// Command chatctl is a terminal client for Bonded conversations. With -offline it runs
// against an in-process backend and needs no gateway or database.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/umar/bonded-messaging/internal/config"
	"github.com/umar/bonded-messaging/internal/database"
	"github.com/umar/bonded-messaging/internal/logger"
	"github.com/umar/bonded-messaging/internal/messaging"
	"github.com/umar/bonded-messaging/internal/models"
	"github.com/umar/bonded-messaging/internal/moderation"
	"github.com/umar/bonded-messaging/internal/realtime"
	"github.com/umar/bonded-messaging/internal/transport/memory"
)

func main() {
	var (
		configName = flag.String("config", "chatctl", "config file name under config/")
		offline    = flag.Bool("offline", false, "use an in-process backend")
		username   = flag.String("user", "", "username to log in as (offline: user id)")
		password   = flag.String("password", os.Getenv("BONDED_PASSWORD"), "password for online login")
	)
	flag.Parse()

	cfg, err := config.Load(*configName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var deps messaging.Deps
	var cleanup func()
	if *offline {
		deps, cleanup = offlineDeps(*username)
	} else {
		deps, cleanup, err = onlineDeps(ctx, cfg, *username, *password, log)
		if err != nil {
			log.Fatal("failed to connect", zap.Error(err))
		}
	}
	defer cleanup()

	deps.Gate = buildGate(cfg.Moderation, log)
	deps.Logger = log

	msgCfg := cfg.Messaging
	if *offline {
		msgCfg.UserID = orDefault(*username, "me")
	}
	sess, err := messaging.NewSession(msgCfg, deps)
	if err != nil {
		log.Fatal("failed to create session", zap.Error(err))
	}
	defer sess.Close()
	if err := sess.Start(ctx); err != nil {
		log.Fatal("failed to start session", zap.Error(err))
	}

	if err := newREPL(sess, os.Stdout).Run(ctx, os.Stdin); err != nil && ctx.Err() == nil {
		log.Error("chatctl stopped", zap.Error(err))
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func offlineDeps(userID string) (messaging.Deps, func()) {
	userID = orDefault(userID, "me")
	b := memory.New(clockwork.NewRealClock())
	b.AddProfile(models.Profile{ID: userID, Username: userID, DisplayName: userID})
	for _, demo := range []string{"ada", "grace", "linus"} {
		b.AddProfile(models.Profile{ID: demo, Username: demo, DisplayName: strings.ToUpper(demo[:1]) + demo[1:]})
	}
	return messaging.Deps{Store: b, Realtime: b}, func() {}
}

// onlineDeps logs in through the gateway and connects straight to the database, whose
// row-level rules scope every query to the logged in user.
func onlineDeps(ctx context.Context, cfg *config.Config, username, password string, log *zap.Logger) (messaging.Deps, func(), error) {
	token, user, err := login(ctx, cfg.Realtime.URL, username, password)
	if err != nil {
		return messaging.Deps{}, nil, err
	}
	cfg.Messaging.UserID = user.ID

	db, err := database.InitDB(cfg.Database)
	if err != nil {
		return messaging.Deps{}, nil, err
	}
	store := database.NewStore(db, database.NewClassifier(cfg.Database.MissingTableCodes), log)

	rt, err := realtime.Dial(ctx, cfg.Realtime.URL, token, log)
	if err != nil {
		db.Close()
		return messaging.Deps{}, nil, err
	}
	return messaging.Deps{Store: store, Realtime: rt}, func() {
		rt.Close()
		db.Close()
	}, nil
}

type loginResponse struct {
	Token string         `json:"token"`
	User  models.Profile `json:"user"`
	Error string         `json:"error"`
}

// login exchanges credentials for a token at the gateway serving realtimeURL.
func login(ctx context.Context, realtimeURL, username, password string) (string, *models.Profile, error) {
	if username == "" || password == "" {
		return "", nil, errors.New("-user and -password are required online")
	}
	u, err := url.Parse(realtimeURL)
	if err != nil {
		return "", nil, errors.Wrap(err, "parse realtime url")
	}
	u.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	u.Path = "/api/auth/login"
	u.RawQuery = ""

	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, errors.Wrap(err, "login request")
	}
	defer resp.Body.Close()

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, errors.Wrap(err, "decode login response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, errors.Errorf("login failed: %s", out.Error)
	}
	return out.Token, &out.User, nil
}

// buildGate chains the local policy and the remote service, whichever are configured.
func buildGate(cfg config.Moderation, log *zap.Logger) moderation.Gate {
	var chain moderation.Chain
	if cfg.PolicyFile != "" {
		policy, err := moderation.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			log.Warn("moderation policy not loaded", zap.Error(err))
		} else {
			chain = append(chain, policy)
		}
	}
	if cfg.ServiceURL != "" {
		chain = append(chain, moderation.NewClient(cfg.ServiceURL, cfg.Timeout, log.Named("moderation")))
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}
