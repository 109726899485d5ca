package metrics

import (
	"go.opencensus.io/metric"
	"go.opencensus.io/metric/metricdata"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	defaultMillisecondsDistribution = view.Distribution(0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000, 20000, 50000, 100000)
	roundsDistribution              = view.Distribution(0, 1, 2, 3, 4, 5, 6, 8, 10, 15, 20, 30, 50)
)

// Keys
var (
	KeyLocalPeerID, _ = tag.NewKey("local_peer_id")
	// KeyInstanceID identifies a dht instance by the pointer address.
	// Useful for differentiating between different dhts that have the same peer id.
	KeyInstanceID, _ = tag.NewKey("instance_id")
	KeyRpcType, _    = tag.NewKey("rpc_type")
	KeyError, _      = tag.NewKey("error")
	// KeyOutcome tells how a lookup ended: completed, stalled, exhausted, cancelled.
	KeyOutcome, _ = tag.NewKey("outcome")
)

// RPC types
const (
	RpcFindNode = "find_node"
	RpcProbe    = "probe"
)

// UpsertRpcType is a convenience upserts the rpc type into the KeyRpcType.
func UpsertRpcType(t string) tag.Mutator {
	return tag.Upsert(KeyRpcType, t)
}

const namePrefix = "kadnet_dht_"

// Measures
var (
	SentRequests           = stats.Int64(namePrefix+"sent_requests", "Total number of requests sent per RPC", stats.UnitDimensionless)
	SentRequestErrors      = stats.Int64(namePrefix+"sent_request_errors", "Total number of errors for requests sent per RPC", stats.UnitDimensionless)
	OutboundRequestLatency = stats.Float64(namePrefix+"outbound_request_latency", "Latency per RPC", stats.UnitMilliseconds)

	ReceivedRequests      = stats.Int64(namePrefix+"received_requests", "Total number of requests received per RPC", stats.UnitDimensionless)
	InboundRequestLatency = stats.Float64(namePrefix+"inbound_request_latency", "Inbound request processing time", stats.UnitMilliseconds)

	Lookups      = stats.Int64(namePrefix+"lookups", "Total number of lookups", stats.UnitDimensionless)
	LookupRounds = stats.Int64(namePrefix+"lookup_rounds", "Rounds needed by a lookup to terminate", stats.UnitDimensionless)

	RoutingTablePeersAdded   = stats.Int64(namePrefix+"routing_table_peers_added", "", stats.UnitDimensionless)
	RoutingTablePeersRemoved = stats.Int64(namePrefix+"routing_table_peers_removed", "", stats.UnitDimensionless)

	GaugeRegistry             = metric.NewRegistry()
	RoutingTableNumEntries, _ = GaugeRegistry.AddInt64DerivedGauge(
		namePrefix+"routing_table_num_entries",
		metric.WithDescription("Number of contacts in the routing table"),
		metric.WithUnit(metricdata.UnitDimensionless),
		metric.WithLabelKeys(KeyLocalPeerID.Name(), KeyInstanceID.Name()))
)

// Views
var (
	SentRequestsView = &view.View{
		Measure:     SentRequests,
		TagKeys:     []tag.Key{KeyRpcType, KeyLocalPeerID, KeyInstanceID},
		Aggregation: view.Count(),
	}
	SentRequestErrorsView = &view.View{
		Measure:     SentRequestErrors,
		TagKeys:     []tag.Key{KeyRpcType, KeyLocalPeerID, KeyInstanceID},
		Aggregation: view.Count(),
	}
	OutboundRequestLatencyView = &view.View{
		Measure:     OutboundRequestLatency,
		TagKeys:     []tag.Key{KeyRpcType, KeyLocalPeerID, KeyInstanceID, KeyError},
		Aggregation: defaultMillisecondsDistribution,
	}
	ReceivedRequestsView = &view.View{
		Measure:     ReceivedRequests,
		TagKeys:     []tag.Key{KeyRpcType, KeyLocalPeerID, KeyInstanceID},
		Aggregation: view.Count(),
	}
	InboundRequestLatencyView = &view.View{
		Measure:     InboundRequestLatency,
		TagKeys:     []tag.Key{KeyRpcType, KeyLocalPeerID, KeyInstanceID},
		Aggregation: defaultMillisecondsDistribution,
	}
	LookupsView = &view.View{
		Measure:     Lookups,
		TagKeys:     []tag.Key{KeyOutcome, KeyLocalPeerID, KeyInstanceID},
		Aggregation: view.Count(),
	}
	LookupRoundsView = &view.View{
		Measure:     LookupRounds,
		TagKeys:     []tag.Key{KeyOutcome, KeyLocalPeerID, KeyInstanceID},
		Aggregation: roundsDistribution,
	}
	RoutingTablePeersAddedView = &view.View{
		Measure:     RoutingTablePeersAdded,
		TagKeys:     []tag.Key{KeyLocalPeerID, KeyInstanceID},
		Aggregation: view.Count(),
	}
	RoutingTablePeersRemovedView = &view.View{
		Measure:     RoutingTablePeersRemoved,
		TagKeys:     []tag.Key{KeyLocalPeerID, KeyInstanceID},
		Aggregation: view.Count(),
	}
)

// DefaultViews with all views in it.
var DefaultViews = []*view.View{
	SentRequestsView,
	SentRequestErrorsView,
	OutboundRequestLatencyView,
	ReceivedRequestsView,
	InboundRequestLatencyView,
	LookupsView,
	LookupRoundsView,
	RoutingTablePeersAddedView,
	RoutingTablePeersRemovedView,
}
