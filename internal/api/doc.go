// Package api hosts the HTTP server, middleware, and REST handlers for the
// crawl service. Notable routes:
//   - POST /scrape and /scrape/presets/{name} to submit crawls.
//   - GET /tasks, /tasks/{taskId}, /tasks/{taskId}/result and
//     /tasks/{taskId}/preview to follow a task and fetch its CSV.
//   - GET /stats, /health and /metrics for operators.
package api
