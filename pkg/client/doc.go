// Package client provides a Go SDK for the Task Queue API: typed methods
// for every REST operation, plus a WebSocket client for live signal events.
//
// # Basic Usage
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Submit a task
//	task, err := c.SubmitTask(ctx, client.CreateTaskRequest{
//	    Task:  "echo",
//	    Args:  json.RawMessage(`{"payload":"hello"}`),
//	    Queue: "high",
//	})
//
// # WebSocket Events
//
//	err := c.ConnectWebSocket(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.CloseWebSocket()
//
//	for event := range c.Events() {
//	    fmt.Printf("Event: %s\n", event.Type)
//	}
//
// # Configuration
//
// The client supports functional options for configuration:
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithAPIKey("your-api-key"),
//	    client.WithTimeout(30 * time.Second),
//	)
package client
