package transfer

import (
	"context"

	"github.com/italolelis/download_manager/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client     Client
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented transport client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Fetch performs the request with telemetry. Non-2xx responses are recorded
// as errors but still returned to the caller.
func (c *InstrumentedClient) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	var result *FetchResponse

	instrumentedErr := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "fetch", func(ctx context.Context) error {
		var err error

		result, err = c.client.Fetch(ctx, req)
		if err != nil {
			return err
		}

		if !isSuccess(result.StatusCode) {
			return &NetworkError{Operation: "fetch", StatusCode: result.StatusCode, Message: result.Status}
		}

		return nil
	})

	if result != nil {
		return result, nil
	}

	return nil, instrumentedErr
}
