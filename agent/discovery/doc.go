// Package discovery tracks which agents are present on the private network.
//
// The package has two halves:
//
//   - AgentRegistry owns the agents that registered with this server, with
//     their tokens, heartbeats and connection counts. Entries that miss
//     heartbeats for longer than the configured timeout are removed by
//     SweepExpired.
//   - ServiceDiscovery keeps a liveness cache of known agents, refreshed from
//     the registry and from announcements received over a Transport. It fires
//     discovered and lost callbacks as agents appear and go stale.
//
// # Transports
//
// Announcements travel between coordination servers over a Transport. Two are
// provided: MulticastTransport (UDP multicast on the local segment) and
// RedisTransport (Redis pub/sub). Incoming cards are validated before they
// reach the cache.
//
// # Basic Usage
//
//	registry := discovery.NewAgentRegistry(discovery.DefaultRegistryConfig(), logger)
//	sd := discovery.NewServiceDiscovery(discovery.DefaultServiceConfig(), registry, logger,
//	    discovery.WithTransports(discovery.NewRedisTransport(redisManager, nil, logger)))
//
//	sd.OnLost(func(agentID string) { log.Printf("agent %s went away", agentID) })
//	sd.Start(ctx)
//	defer sd.Stop()
//
//	registry.Register(card, discovery.Credential{ID: pair.ID, Token: pair.Token, ExpiresAt: pair.ExpiresAt})
//	cards := sd.Discover()
package discovery
