// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetHubConnectionState_OneHot(t *testing.T) {
	SetHubConnectionState("connecting")
	SetHubConnectionState("ready")

	for _, s := range connectionStates {
		want := 0.0
		if s == "ready" {
			want = 1.0
		}
		assert.Equal(t, want, testutil.ToFloat64(hubConnectionState.WithLabelValues(s)), s)
	}
}

func TestRecordTransition(t *testing.T) {
	before := testutil.ToFloat64(OccupancyTransitionsTotal.WithLabelValues("metrics_test", "occupied"))
	RecordTransition("metrics_test", "occupied")
	RecordTransition("metrics_test", "uncertain")

	assert.Equal(t, before+1, testutil.ToFloat64(OccupancyTransitionsTotal.WithLabelValues("metrics_test", "occupied")))
	assert.Equal(t, 0.0, testutil.ToFloat64(roomOccupancy.WithLabelValues("metrics_test", "occupied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(roomOccupancy.WithLabelValues("metrics_test", "uncertain")))
}

func TestEmptyLabelsBecomeUnknown(t *testing.T) {
	before := testutil.ToFloat64(RouterDroppedTotal.WithLabelValues("unknown"))
	IncRouterDrop("")
	assert.Equal(t, before+1, testutil.ToFloat64(RouterDroppedTotal.WithLabelValues("unknown")))

	before = testutil.ToFloat64(PublishLostTotal.WithLabelValues("hall", "unknown"))
	IncPublishLost("hall", "")
	assert.Equal(t, before+1, testutil.ToFloat64(PublishLostTotal.WithLabelValues("hall", "unknown")))

	before = testutil.ToFloat64(HubProtocolErrorsTotal.WithLabelValues("unknown"))
	IncProtocolError("")
	assert.Equal(t, before+1, testutil.ToFloat64(HubProtocolErrorsTotal.WithLabelValues("unknown")))
}

func TestCommandGauges(t *testing.T) {
	before := testutil.ToFloat64(hubPendingCommands)
	AddPendingCommands(2)
	AddPendingCommands(-1)
	assert.Equal(t, before+1, testutil.ToFloat64(hubPendingCommands))
	AddPendingCommands(-1)

	ObserveCommand("ping", "ok", 10*time.Millisecond)
	assert.Positive(t, testutil.CollectAndCount(hubCommandDuration, "piresence_hub_command_duration_seconds"))
}
