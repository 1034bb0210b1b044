package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	_ "backend/api/swagger" // swagger docs
	"backend/internal/database"
	"backend/internal/github"
	"backend/internal/handler"
	"backend/internal/mailer"
	"backend/internal/middleware"
	"backend/internal/repository"
	"backend/internal/service"
	"backend/internal/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// sweepInterval controls how often overdue pending requests are expired in
// the background. Lazy expiry at decision time guarantees correctness even
// if the sweep has not run yet; the sweep keeps stale rows from accumulating.
const sweepInterval = time.Hour

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// @title           Repository Approval API
// @version         1.0
// @description     Token-gated approval workflow for registering external repositories for document syncing.
// @host            localhost:8080
// @BasePath        /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := godotenv.Load("configs/.env"); err != nil {
		log.Println("No configs/.env file found or error loading it")
	}

	dsn := "postgres://" + getEnv("DB_USER", "postgres") + ":" + getEnv("DB_PASSWORD", "postgres") +
		"@" + getEnv("DB_HOST", "localhost") + ":" + getEnv("DB_PORT", "5432") +
		"/" + getEnv("DB_NAME", "postgres") + "?sslmode=" + getEnv("DB_SSLMODE", "disable")

	db, err := database.NewConnection(dsn)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}
	log.Println("Connected to PostgreSQL successfully.")

	// Set up WebSocket Hub
	wsHub := websocket.NewHub()
	go wsHub.Run()

	// External collaborators
	githubClient := github.NewClient(os.Getenv("GITHUB_API_URL"), github.DefaultTimeout)

	smtpPort, _ := strconv.Atoi(getEnv("SMTP_PORT", "587"))
	mail := mailer.New(os.Getenv("SMTP_HOST"), smtpPort, os.Getenv("SMTP_USER"), os.Getenv("SMTP_PASSWORD"), os.Getenv("SMTP_FROM"))
	if !mail.Enabled() {
		log.Println("WARNING: SMTP is not configured; approval requests will fail until it is")
	}

	// Set up dependencies (Repository -> Service -> Handler)
	txManager := repository.NewTransactionManager(db)
	userRepo := repository.NewUserRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	registryRepo := repository.NewRegistryRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	userService := service.NewUserService(userRepo)
	approvalService := service.NewApprovalService(
		approvalRepo, registryRepo, auditRepo, txManager,
		githubClient, mail, wsHub,
		service.ApprovalConfig{
			AdminEmail: getEnv("ADMIN_EMAIL", "admin@localhost"),
			BaseURL:    getEnv("APP_BASE_URL", "http://localhost:8080"),
		},
	)
	registryService := service.NewRegistryService(registryRepo)
	auditService := service.NewAuditService(auditRepo)

	// Initialize Handlers
	userHandler := handler.NewUserHandler(userService)
	approvalHandler := handler.NewApprovalHandler(approvalService)
	registryHandler := handler.NewRegistryHandler(registryService)
	auditHandler := handler.NewAuditHandler(auditService)

	// Background expiry sweep
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			count, err := approvalService.SweepExpired(context.Background(), time.Now())
			if err != nil {
				log.Printf("expiry sweep failed: %v", err)
				continue
			}
			if count > 0 {
				log.Printf("expiry sweep: %d request(s) expired", count)
			}
		}
	}()

	// Set up Gin Router
	router := gin.Default()

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"} // Frontend URL
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	// Swagger route
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "OK"})
	})

	// WebSocket endpoint
	router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWs(wsHub, c, middleware.GetJWTSecret())
	})

	// Register API Routes
	userHandler.RegisterRoutes(router.Group(""))
	approvalHandler.RegisterRoutes(router.Group(""))
	registryHandler.RegisterRoutes(router.Group(""))
	auditHandler.RegisterRoutes(router.Group(""))

	port := getEnv("PORT", "8080")

	log.Printf("Server listening on :%s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
