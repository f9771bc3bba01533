// Package app composes the lottery and its supporting services into a
// running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── domain/             # Pure data models (pricefeed, random)
//	├── services/           # Price aggregator, VRF coordinator
//	├── storage/postgres/   # Settled-round history in PostgreSQL
//	├── httpapi/            # HTTP API, JWT identity, websocket stream
//	├── system/             # Lifecycle manager
//	└── metrics/            # Prometheus collectors
//
// The lottery engine itself lives in packages/com.r3e.services.lottery.
//
// # Dependency Direction
//
//	cmd/lottery, cmd/lotteryctl
//	      │
//	      ▼
//	internal/app/httpapi ──► internal/app (composition)
//	                              │
//	                              ├──► packages/com.r3e.services.lottery/service
//	                              ├──► internal/app/services/{pricefeed,random}
//	                              ├──► internal/gasbank, internal/events
//	                              └──► internal/automation, internal/config
//
// # Lifecycle
//
// New validates the configuration and wires every component. Start runs the
// event hub, the optional Redis publisher, the price refresher, the VRF
// fulfiller and the optional automation scheduler in that order; Stop
// reverses it and closes the history store.
package app
