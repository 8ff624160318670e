package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/drawingfusion/internal/ai"
	cfgpkg "github.com/local/drawingfusion/internal/config"
	"github.com/local/drawingfusion/internal/dispatch"
	"github.com/local/drawingfusion/internal/engine"
	"github.com/local/drawingfusion/internal/fusion"
	"github.com/local/drawingfusion/internal/limiter"
	logpkg "github.com/local/drawingfusion/internal/logger"
	"github.com/local/drawingfusion/internal/metrics"
	"github.com/local/drawingfusion/internal/ocr"
	"github.com/local/drawingfusion/internal/overview"
	"github.com/local/drawingfusion/internal/server"
	"github.com/local/drawingfusion/internal/statuscheck"
	"github.com/local/drawingfusion/internal/storage"
	"github.com/local/drawingfusion/internal/store"
	"github.com/local/drawingfusion/internal/tiling"
	"github.com/local/drawingfusion/internal/vision"
)

func main() {
	_ = godotenv.Load()
	cfg := cfgpkg.FromEnv()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()

	metrics.Init()

	// Status store owns the Redis connection; everything else shares it.
	rs, err := store.NewRedisStatus(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rs.Close()
	runs := store.NewRunStore(rs.Client())

	lim := limiter.New(rs.Client(), limiter.Options{
		MaxInflight: cfg.Pipeline.MaxInflightPerModel,
		BaseBackoff: cfg.Pipeline.BreakerBaseBackoff,
		MaxBackoff:  cfg.Pipeline.BreakerMaxBackoff,
	})

	clients := map[string]ai.Client{
		"openai":    ai.NewOpenAIClient(),
		"anthropic": ai.NewAnthropicClient(),
	}
	disp := dispatch.New(cfg.Providers, clients, lim)

	recognizer := ocr.NewAdapter("tesseract", ocr.NewTesseractProvider(cfg.OCR.Language), cfg.OCR.MinConfidence)
	summarizer := overview.NewSummarizer(disp, overview.Options{
		MaxPromptChars: cfg.Pipeline.MaxPromptChars,
		CallTimeout:    cfg.Pipeline.SummaryTimeout,
		PreferEngine:   cfg.Providers.PrimaryEngine,
	})
	analyzer := vision.NewAnalyzer(disp, vision.Options{
		MaxOverviewChars: cfg.Pipeline.MaxOverviewChars,
		PreferEngine:     cfg.Providers.PrimaryEngine,
	})

	eng := engine.New(recognizer, summarizer, analyzer, fusion.New(fusion.Options{}), engine.Options{
		Tiling: tiling.Options{
			MaxSide:      cfg.Tiling.MaxTileSide,
			OverlapRatio: cfg.Tiling.OverlapRatio,
			MinSide:      cfg.Tiling.MinTileSide,
			MaxTiles:     cfg.Tiling.MaxTiles,
		},
		RasterDPI:   float64(cfg.Pipeline.RasterDPI),
		JPEGQuality: cfg.Pipeline.JPEGQuality,
		OCRTimeout:  cfg.Pipeline.OCRTimeout,
		BatchSize:   cfg.Pipeline.BatchSize,
		MaxInflight: cfg.Pipeline.MaxInflight,
		CallTimeout: cfg.Pipeline.VisionTimeout,
	}).WithSinks(rs, runs, runs)

	var objStore server.ObjectStorage
	if cfg.S3.Bucket != "" {
		s3c, err := storage.NewS3Client(context.Background(), storage.Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			log.Warn().Err(err).Msg("object storage unavailable, s3 flow disabled")
		} else {
			objStore = s3c
		}
	}

	checker := statuscheck.New(statuscheck.Options{
		Redis:        redisPinger{rs},
		S3Bucket:     cfg.S3.Bucket,
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
	})

	srv := server.New(server.Dependencies{
		Engine:  eng,
		Status:  rs,
		Runs:    runs,
		Storage: objStore,
		Checker: checker,
	})
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	httpSrv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		log.Info().Msgf("HTTP server listening on :%s", port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	fmt.Println("shutdown complete")
}

// redisPinger adapts the status store to the health checker.
type redisPinger struct{ rs *store.RedisStatus }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rs.Client().Ping(ctx).Err()
}
