package router

import (
	"context"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const openAPIPath = "../../../public/docs/v1/openapi.yml"

func loadOpenAPI(t *testing.T) *openapi3.T {
	t.Helper()
	doc, err := openapi3.NewLoader().LoadFromFile(openAPIPath)
	require.NoError(t, err)
	require.NoError(t, doc.Validate(context.Background()))
	return doc
}

// fiber ":id" params become "{id}" relative to the /api server URL
func docPath(route string) string {
	p := strings.TrimPrefix(route, "/api")
	parts := strings.Split(p, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, ":") {
			parts[i] = "{" + part[1:] + "}"
		}
	}
	return strings.Join(parts, "/")
}

func TestOpenAPIDocumentsEveryRoute(t *testing.T) {
	doc := loadOpenAPI(t)
	s := newTestServer(t)

	registered := make(map[string]bool)
	for _, r := range s.app.GetRoutes(true) {
		if r.Method == "HEAD" || !strings.HasPrefix(r.Path, "/api/") || r.Path == "/api/" {
			continue
		}
		path := docPath(r.Path)
		registered[r.Method+" "+path] = true

		item := doc.Paths.Find(path)
		if !assert.NotNil(t, item, "route %s %s is not documented", r.Method, path) {
			continue
		}
		assert.NotNil(t, item.GetOperation(r.Method), "method %s %s is not documented", r.Method, path)
	}

	for path, item := range doc.Paths.Map() {
		for method := range item.Operations() {
			assert.True(t, registered[method+" "+path], "documented %s %s has no route", method, path)
		}
	}
}
