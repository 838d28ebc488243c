// Package handlers contains the HTTP building blocks of the bot's web surface.
//
// This package provides:
//   - Health checks aggregated by CompositeHealthChecker
//   - Webhook handlers for Telegram updates and VK callbacks
//   - The request id, logging and recovery middleware
//
// # Health Checks
//
// Named checks run in parallel, each with its own timeout:
//
//	checker := handlers.NewCompositeHealthChecker(version, time.Now())
//	checker.AddCheck("store", handlers.NewPingCheck(store))
//	checker.AddCheck("redis", handlers.NewPingCheck(cache))
//
// # Webhooks
//
// Both platforms are decoded into messenger.Event values and handed to the
// conversation router. VK re-deliveries marked with X-Retry-Counter are
// acknowledged without processing.
package handlers
