package main

import (
	"context"
	"log"
	"time"

	"aquachat/config"
	"aquachat/internal/domain/conversation"
	"aquachat/internal/domain/message"
	"aquachat/internal/handler"
	aquaredis "aquachat/internal/redis"
	"aquachat/internal/repository"
	"aquachat/internal/server"
	"aquachat/internal/services"
	"aquachat/internal/storage"
	"aquachat/internal/ws"
	"aquachat/pkg/database"
	"aquachat/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()

	logMode := logger.DevelopmentMode
	if cfg.AppMode == server.ReleaseMode {
		logMode = logger.ProductionMode
	}
	l := logger.New(logMode)
	logger.SetGlobalLogger(l)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Raw migrations first (extensions, composite keys), then GORM tables.
	if err := database.ApplyRawMigrations(db, "migrations"); err != nil {
		log.Fatalf("Failed to apply raw migrations: %v", err)
	}
	if err := db.AutoMigrate(
		&conversation.Conversation{},
		&conversation.Participant{},
		&message.Message{},
		&message.MessageReceipt{},
		&message.MessageMention{},
		&message.MessageHide{},
	); err != nil {
		log.Fatalf("Failed to apply GORM migrations: %v", err)
	}

	redisClient := aquaredis.NewClient(aquaredis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	presenceStore := aquaredis.NewPresenceStore(redisClient)

	var mediaStore *storage.MediaStore
	if cfg.S3Bucket != "" {
		mediaStore, err = storage.NewMediaStore(context.Background(), storage.S3Config{
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			Endpoint:   cfg.S3Endpoint,
			PresignTTL: time.Duration(cfg.PresignTTLMin) * time.Minute,
		})
		if err != nil {
			log.Fatalf("Failed to configure media storage: %v", err)
		}
	}

	registry := ws.NewRegistry(l)
	emitter := ws.NewEmitter(registry, l)

	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	userRepo := repository.NewUserRepository(db)
	directory := services.NewRepoDirectory(userRepo)

	// MediaResolver is optional; the service skips URL enrichment when nil.
	var resolver services.MediaResolver
	var signer ws.MediaSigner
	if mediaStore != nil {
		resolver = mediaStore
		signer = mediaStore
	}

	messaging := services.NewMessagingService(conversationRepo, messageRepo, directory, emitter, registry, resolver, l)
	identity := services.NewJWTIdentity(cfg)

	chatHandler := ws.NewHandler(identity, messaging, registry, emitter, presenceStore, signer, l)
	historyHandler := handler.NewHistoryHandler(messaging)

	srv := server.New(cfg, l, db, registry)
	srv.SetupRoutes(&server.Handlers{
		Chat:    chatHandler,
		History: historyHandler,
	}, identity)

	if err := srv.Start(); err != nil {
		log.Fatalf("Server exited with error: %v", err)
	}
}
