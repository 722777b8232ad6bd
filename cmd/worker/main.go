package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"attendgate/internal/attendance"
	"attendgate/internal/config"
	"attendgate/internal/queue"
	"attendgate/internal/store"
)

// Worker consumes verification messages and maintains the audit trail.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendgate:verifications")
	}

	repo := attendance.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "verification" {
			continue
		}

		var evt attendance.VerificationEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			log.Printf("bad verification message: %v", err)
			continue
		}

		rec, err := repo.GetRecord(ctx, evt.RecordID)
		if err != nil {
			log.Printf("fetch record %s failed: %v", evt.RecordID, err)
			continue
		}
		if rec == nil {
			log.Printf("record %s vanished before audit", evt.RecordID)
			continue
		}

		outcome := "updated"
		if evt.Created {
			outcome = "created"
		}
		if err := repo.InsertAudit(ctx, rec.ID, outcome); err != nil {
			log.Printf("audit insert for %s failed: %v", rec.ID, err)
			continue
		}
		log.Printf("audited record %s (%s, user %s)", rec.ID, outcome, rec.UserID)
	}

	log.Println("worker stopped")
}
