package client

import (
	"github.com/jarcoal/httpmock"
)

// NewMockedClient returns a Client with fast retries over a mocked transport.
func NewMockedClient() (Client, *httpmock.MockTransport) {
	transport := httpmock.NewMockTransport()
	return New().WithRetry(TestingRetry()).WithTransport(transport), transport
}
