package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"release-coordinator/internal/api"
	"release-coordinator/internal/deployment"
	"release-coordinator/internal/health"
	"release-coordinator/internal/registry"
	"release-coordinator/internal/rollback"
	"release-coordinator/internal/security"
	"release-coordinator/internal/storage"
	"release-coordinator/internal/worker"
	"release-coordinator/pkg"
	"release-coordinator/pkg/config"
	"release-coordinator/pkg/db"
	"release-coordinator/pkg/docker"
	"release-coordinator/pkg/logger"
	"release-coordinator/pkg/rabbitmq"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("development")
		logger.Fatal("invalid configuration", logger.Err(err))
	}

	logger.Init(cfg.Environment)
	defer logger.Sync()

	pg, err := db.NewPostgresConnection(cfg)
	if err != nil {
		logger.Fatal("failed to connect to PostgreSQL", logger.Err(err))
	}
	defer pg.Close()
	logger.Info("connected to PostgreSQL")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.NewPostgresRegistry(pg)
	if err := reg.EnsureSchema(ctx); err != nil {
		logger.Fatal("failed to ensure registry schema", logger.Err(err))
	}

	redisClient, err := db.NewRedisConnection(cfg)
	if err != nil {
		logger.Fatal("failed to connect to Redis", logger.Err(err))
	}
	defer redisClient.Close()
	if err := redisClient.HealthCheck(ctx); err != nil {
		logger.Fatal("redis health check failed", logger.Err(err))
	}
	logger.Info("connected to Redis")

	guard, err := security.NewReleaseGuard(cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to create release guard", logger.Err(err))
	}
	defer guard.Close()

	store, err := storage.NewMinIOStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		logger.Fatal("failed to create snapshot store", logger.Err(err))
	}
	logger.Info("connected to MinIO")

	dockerClient, err := docker.NewClient()
	if err != nil {
		logger.Fatal("failed to create docker client", logger.Err(err))
	}

	profile := security.DefaultContainerProfile(cfg.Environment, cfg.ContainerMemoryLimit, cfg.ContainerCPUQuota)
	if cfg.SeccompProfilePath != "" {
		if !pkg.FileExists(cfg.SeccompProfilePath) {
			logger.Fatal("seccomp profile not found", logger.String("path", cfg.SeccompProfilePath))
		}
		seccompOpt, err := security.SeccompProfileFromFile(cfg.SeccompProfilePath)
		if err != nil {
			logger.Fatal("failed to load seccomp profile", logger.Err(err))
		}
		profile.SeccompOpt = seccompOpt
	}
	deployer := deployment.NewDockerDeployer(dockerClient, profile)

	checker := health.NewChecker(cfg.HealthCheckTimeout)
	validator := rollback.NewValidator(reg, rollback.Policy{})
	preservation := rollback.NewStatePreservation(store, deployer, cfg.SnapshotRetention)
	manager := rollback.NewManager(reg, deployer, checker, validator, preservation)

	orchestrator := deployment.NewOrchestrator(reg, deployer, checker, cfg.MaxConcurrentReleases, cfg.HealthCheckTimeout).
		WithGuard(guard).
		WithCache(redisClient).
		WithRollback(func(ctx context.Context, scope deployment.Scope, deploymentID string, deployed []string, reason string) []string {
			result, err := manager.Execute(ctx, rollback.Request{
				ProjectPath:        scope.ProjectPath,
				Environment:        scope.Environment,
				SourceDeploymentID: deploymentID,
				PreserveData:       true,
				Reason:             reason,
			})
			if err != nil {
				logger.Error("automatic rollback failed", logger.Err(err))
				return nil
			}
			names := make([]string, 0, len(result.RolledBackTo.Services))
			for _, svc := range result.RolledBackTo.Services {
				names = append(names, svc.Name)
			}
			return names
		}).
		WithSampler(func(inst *deployment.ServiceInstance) health.ResourceSampler {
			return health.NewDockerSampler(dockerClient, inst.InstanceID)
		})

	mq, err := rabbitmq.NewClient(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("failed to connect to RabbitMQ", logger.Err(err))
	}
	defer mq.Close()
	logger.Info("connected to RabbitMQ")

	w := worker.New(mq, orchestrator, manager)
	if err := w.Start(ctx); err != nil {
		logger.Fatal("failed to start worker", logger.Err(err))
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	api.NewHandler(orchestrator, manager, reg, mq, pg).Register(r)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		mq.Close()
		pg.Close()
		os.Exit(0)
	}()

	logger.Info("server starting", logger.String("port", cfg.Port))
	if err := r.Run(":" + cfg.Port); err != nil {
		logger.Fatal("server failed", logger.Err(err))
	}
}
