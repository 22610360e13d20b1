package vector

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/weaviate/weaviate/entities/models"
)

// ClassPrefix names every content-vector generation class.
const ClassPrefix = "ContentVector"

// SchemaClient defines the Weaviate schema operations a generation needs
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	DeleteClass(ctx context.Context, className string) error
	Classes(ctx context.Context) ([]string, error)
}

// GenerationName returns the class name for a generation built at t.
func GenerationName(t time.Time) string {
	return fmt.Sprintf("%s%d", ClassPrefix, t.Unix())
}

// IsGeneration reports whether className was produced by GenerationName.
func IsGeneration(className string) bool {
	_, ok := GenerationTime(className)
	return ok
}

// GenerationTime recovers the build time encoded in a generation class name.
func GenerationTime(className string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(className, ClassPrefix)
	if !ok || rest == "" {
		return time.Time{}, false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return time.Time{}, false
		}
	}
	sec, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

// GenerationClass describes one generation: externally supplied vectors,
// cosine distance and the content id as the only property.
func GenerationClass(name string) *models.Class {
	return &models.Class{
		Class:       name,
		Description: "Content category vectors for one index generation",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{
				Name:     "contentId",
				DataType: []string{"int"},
			},
		},
	}
}

// EnsureGeneration creates the class for a generation, replacing a stale class of
// the same name left by an interrupted build.
func EnsureGeneration(ctx context.Context, client SchemaClient, name string) error {
	exists, err := client.ClassExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		if err := client.DeleteClass(ctx, name); err != nil {
			return fmt.Errorf("drop stale class %s: %w", name, err)
		}
	}
	return client.CreateClass(ctx, GenerationClass(name))
}

// PruneGenerations drops generation classes built before cutoff. Processes that
// crash between Build and Retire leave such classes behind. Other classes are
// never touched.
func PruneGenerations(ctx context.Context, client SchemaClient, cutoff time.Time) ([]string, error) {
	classes, err := client.Classes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	var dropped []string
	for _, name := range classes {
		built, ok := GenerationTime(name)
		if !ok || !built.Before(cutoff) {
			continue
		}
		if err := client.DeleteClass(ctx, name); err != nil {
			return dropped, fmt.Errorf("drop %s: %w", name, err)
		}
		dropped = append(dropped, name)
	}
	return dropped, nil
}
