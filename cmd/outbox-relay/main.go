package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/chatpongdeepet/iot-shop/pkg/kafka"
	"github.com/chatpongdeepet/iot-shop/pkg/logging"
	"github.com/chatpongdeepet/iot-shop/pkg/metrics"
	"github.com/chatpongdeepet/iot-shop/pkg/outbox"
)

type cfg struct {
	Port         string
	DatabaseURL  string
	KafkaBrokers string
	PollInterval time.Duration
	BatchSize    int
}

func readCfg() (cfg, error) {
	db := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if db == "" {
		return cfg{}, errors.New("DATABASE_URL is required")
	}
	brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	if brokers == "" {
		return cfg{}, errors.New("KAFKA_BROKERS is required")
	}
	pollMS, _ := strconv.Atoi(getenv("POLL_INTERVAL_MS", "500"))
	batch, _ := strconv.Atoi(getenv("BATCH_SIZE", "100"))

	return cfg{
		Port:         getenv("PORT", "8081"),
		DatabaseURL:  db,
		KafkaBrokers: brokers,
		PollInterval: time.Duration(pollMS) * time.Millisecond,
		BatchSize:    batch,
	}, nil
}

func main() {
	cfg, err := readCfg()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect error: %v", err)
	}
	defer pool.Close()

	client := kafka.NewClient(cfg.KafkaBrokers)
	srvMetrics := metrics.NewServerMetrics("outbox_relay")

	go relay(pool, client, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "db_error"})
			srvMetrics.Requests.WithLabelValues("health", "503").Inc()
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		srvMetrics.Requests.WithLabelValues("health", "200").Inc()
	})
	mux.Handle("GET /metrics", metrics.Handler())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Printf("outbox-relay listening on :%s", cfg.Port)
	log.Fatal(srv.ListenAndServe())
}

// relay drains pending outbox rows into Kafka. Publish-then-mark means
// a crash between the two replays the event; consumers dedup on
// event_id, so at-least-once is the contract here.
func relay(pool *pgxpool.Pool, client *kafka.Client, cfg cfg) {
	writers := map[string]*kafkago.Writer{}
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pending, err := outbox.FetchPending(ctx, pool, cfg.BatchSize)
		if err != nil {
			log.Printf("outbox fetch error: %v", err)
			cancel()
			time.Sleep(2 * time.Second)
			continue
		}

		for _, rec := range pending {
			w, ok := writers[rec.Topic]
			if !ok {
				w = client.NewWriter(rec.Topic)
				writers[rec.Topic] = w
			}
			if err := kafka.PublishRaw(ctx, w, rec.Key, rec.Payload); err != nil {
				log.Printf("publish error (event %s): %v", rec.EventID, err)
				break
			}
			if err := outbox.MarkSent(ctx, pool, rec.ID); err != nil {
				log.Printf("mark sent error (event %s): %v", rec.EventID, err)
				break
			}
			logging.Log(logging.Fields{Service: "outbox-relay", EventID: rec.EventID, OrderID: rec.Key, Step: "publish", Status: "sent"})
		}
		cancel()

		if len(pending) < cfg.BatchSize {
			time.Sleep(cfg.PollInterval)
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
