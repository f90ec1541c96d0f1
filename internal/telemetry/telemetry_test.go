package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown := Setup(Options{ServiceName: "sync-service"})
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
}
