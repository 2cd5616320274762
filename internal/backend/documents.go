package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"schoolcheckin/internal/doccache"
)

// Documents exposes the backend document collections as a doccache.DocumentStore.
type Documents struct {
	client *Client
}

func NewDocuments(c *Client) *Documents {
	return &Documents{client: c}
}

var _ doccache.DocumentStore = (*Documents)(nil)

func collectionPath(collection string) string {
	return "/collections/" + url.PathEscape(collection)
}

func documentPath(collection, id string) string {
	return collectionPath(collection) + "/" + url.PathEscape(id)
}

func notFound(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return errors.Join(doccache.ErrDocumentNotFound, err)
	}
	return err
}

func (d *Documents) Create(ctx context.Context, collection string, doc doccache.Document) (string, error) {
	var resp createdResponse
	if err := d.client.do(ctx, http.MethodPost, collectionPath(collection), nil, doc, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *Documents) Get(ctx context.Context, collection, id string) (doccache.Document, error) {
	var doc doccache.Document
	if err := d.client.do(ctx, http.MethodGet, documentPath(collection, id), nil, nil, &doc); err != nil {
		return nil, notFound(err)
	}
	return doc, nil
}

func (d *Documents) Update(ctx context.Context, collection, id string, fields doccache.Document) error {
	return notFound(d.client.do(ctx, http.MethodPatch, documentPath(collection, id), nil, fields, nil))
}

func (d *Documents) Delete(ctx context.Context, collection, id string) error {
	return notFound(d.client.do(ctx, http.MethodDelete, documentPath(collection, id), nil, nil, nil))
}

// Query lists a collection, filtering by equality on query parameters.
func (d *Documents) Query(ctx context.Context, collection string, filters ...doccache.Filter) ([]doccache.Document, error) {
	path := collectionPath(collection)
	if len(filters) > 0 {
		q := url.Values{}
		for _, f := range filters {
			q.Add(f.Field, f.Value)
		}
		path += "?" + q.Encode()
	}

	var resp struct {
		Documents []doccache.Document `json:"documents"`
	}
	if err := d.client.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Documents == nil {
		resp.Documents = []doccache.Document{}
	}
	return resp.Documents, nil
}
