package vector

import (
	"context"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateClientAdapter narrows the client to the schema calls generations use.
type WeaviateClientAdapter struct {
	Client *weaviate.Client
}

func NewWeaviateClientAdapter(client *weaviate.Client) *WeaviateClientAdapter {
	return &WeaviateClientAdapter{Client: client}
}

func (a *WeaviateClientAdapter) ClassExists(ctx context.Context, className string) (bool, error) {
	return a.Client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (a *WeaviateClientAdapter) CreateClass(ctx context.Context, class *models.Class) error {
	return a.Client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (a *WeaviateClientAdapter) DeleteClass(ctx context.Context, className string) error {
	return a.Client.Schema().ClassDeleter().WithClassName(className).Do(ctx)
}

// Classes lists every class name in the schema.
func (a *WeaviateClientAdapter) Classes(ctx context.Context) ([]string, error) {
	dump, err := a.Client.Schema().Getter().Do(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(dump.Classes))
	for _, c := range dump.Classes {
		names = append(names, c.Class)
	}
	return names, nil
}
