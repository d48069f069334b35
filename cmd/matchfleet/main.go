package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/arenaforge/matchfleet/internal/api"
	"github.com/arenaforge/matchfleet/internal/config"
	"github.com/arenaforge/matchfleet/internal/consumer"
	"github.com/arenaforge/matchfleet/internal/provisioner"
	"github.com/arenaforge/matchfleet/internal/reconciler"
	"github.com/arenaforge/matchfleet/internal/store"
	"github.com/arenaforge/matchfleet/internal/workload"
	"github.com/arenaforge/matchfleet/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.New(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.Load()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kubeClient, err := newKubeClient(cfg.Cluster.Kubeconfig)
	if err != nil {
		zapLogger.Fatal("Failed to create cluster client", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	records := store.NewRedis(redisClient, cfg.Match.TTL, zapLogger)
	workloads := workload.NewManager(kubeClient, zapLogger)

	matchProvisioner := provisioner.New(ctx, workloads, records, provisioner.Config{
		Namespace:       cfg.Cluster.Namespace,
		DomainTemplate:  cfg.Match.DomainTemplate,
		SubpathTemplate: cfg.Match.SubpathTemplate,
		Image:           cfg.Cluster.GameServerImage,
		Port:            cfg.Cluster.GameServerPort,
	}, zapLogger)

	createReader, resultReader := consumer.NewReaders(consumer.Config{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     cfg.Kafka.GroupID,
		CreateTopic: cfg.Kafka.CreateTopic,
		ResultTopic: cfg.Kafka.ResultTopic,
	}, zapLogger)

	events := consumer.New(createReader, resultReader, matchProvisioner, records, workloads, cfg.Match.CompletionGrace, zapLogger)
	sweeper := reconciler.New(records, workloads, cfg.Match.SweepInterval, zapLogger)
	server := api.NewServer(records, cfg.JWT.Secret, zapLogger)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		events.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
		if err := server.Run(ctx, addr, cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout, cfg.HTTP.ShutdownTimeout); err != nil {
			zapLogger.Error("API server exited", zap.Error(err))
			cancel()
		}
	}()

	zapLogger.Info("matchfleet started",
		zap.String("namespace", cfg.Cluster.Namespace),
		zap.Duration("match_ttl", cfg.Match.TTL))

	<-ctx.Done()
	zapLogger.Info("Shutting down")
	wg.Wait()

	if err := redisClient.Close(); err != nil {
		zapLogger.Error("Failed to close redis client", zap.Error(err))
	}
}

// newKubeClient builds a clientset from the given kubeconfig path, falling
// back to the in-cluster service account when the path is empty.
func newKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build cluster config: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}
