package main

import (
	"fmt"
	"log"
	"os"

	"memtier/internal/api"
	"memtier/internal/breaker"
	"memtier/internal/cache"
	"memtier/internal/config"
	"memtier/internal/docstore"
	"memtier/internal/embed"
	"memtier/internal/ingest"
	"memtier/internal/lexical"
	"memtier/internal/memory"
	"memtier/internal/rerank"
	"memtier/internal/vectorstore"
)

const userAgent = "memtier/1.0"

func main() {
	cfg, err := config.LoadConfig("config.json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	store, err := docstore.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Store init error: %v\n", err)
		os.Exit(1)
	}

	contextCache := cache.NewContextCache(cfg)

	vectors, err := vectorstore.New(cfg.Qdrant.URL, cfg.Qdrant.Collection, cfg.Qdrant.APIKey, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Vector store init error: %v\n", err)
		os.Exit(1)
	}

	rc := cfg.Retrieval
	embedBreaker := breaker.New("embedding", rc.BreakerFailureThreshold, rc.BreakerCooldown())
	rerankBreaker := breaker.New("rerank", rc.BreakerFailureThreshold, rc.BreakerCooldown())

	embedder := embed.NewEmbedder(cfg.Embedding.URL, embedBreaker)

	// The reranker is optional; without one the pipeline runs degraded.
	var reranker memory.Reranker
	if cfg.Rerank.URL != "" {
		reranker = rerank.NewClient(cfg.Rerank.URL, rerankBreaker)
	} else {
		log.Printf("[Main] No rerank URL configured, quality stage 2 will be skipped")
	}

	searcher := lexical.NewSearcher(store, 200)

	svc := memory.NewService(store, store, vectors, searcher, embedder, reranker, contextCache, cache.ContextKey, rc)
	recaller := memory.NewRecaller(svc, contextCache.Redis(), rc)
	concepts := memory.NewConceptRouter(store, rc)
	ingestor := ingest.NewIngestor(svc, userAgent, 10)

	r := api.SetupRouter(cfg, api.Deps{
		Service:  svc,
		Concepts: concepts,
		Ingestor: ingestor,
		Recaller: recaller,
		Breakers: []*breaker.Breaker{embedBreaker, rerankBreaker},
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("Starting server on %s%s\n", addr, cfg.Server.Subpath)
	if err := r.Run(addr); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}
