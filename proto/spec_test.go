package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflow/flowctl/id"
)

func TestServiceNameRoundTrip(t *testing.T) {
	var cases = []struct {
		instance id.ComputeInstanceId
		replica  id.ReplicaId
	}{
		{0, 0},
		{1, 1},
		{42, 7},
		{1000000, 3},
	}
	for _, tc := range cases {
		var name = FormatServiceName(tc.instance, tc.replica)
		gotInstance, gotReplica, err := ParseServiceName(name)
		require.NoError(t, err)
		assert.Equal(t, tc.instance, gotInstance)
		assert.Equal(t, tc.replica, gotReplica)
	}
}

func TestParseServiceNameRejectsMalformed(t *testing.T) {
	var cases = []string{
		"cluster-1-replica-",
		"cluster-1-replicaX-2",
		"cluster-1-replica-2-extra",
		"CLUSTER-1-REPLICA-2",
		"cluster-١-replica-2", // Arabic-indic digit, must not match \d in a Unicode-aware engine
		"",
	}
	for _, name := range cases {
		_, _, err := ParseServiceName(name)
		assert.Error(t, err, "expected error for %q", name)
	}
}

func TestParseReplicaSize(t *testing.T) {
	var cases = []struct {
		name    string
		want    ReplicaSizeProfile
		wantErr bool
	}{
		{name: "1", want: ReplicaSizeProfile{Scale: 1, Workers: 1}},
		{name: "4", want: ReplicaSizeProfile{Scale: 1, Workers: 4}},
		{name: "32", want: ReplicaSizeProfile{Scale: 1, Workers: 32}},
		{name: "64", wantErr: true},
		{name: "3", wantErr: true},
		{name: "2-1", want: ReplicaSizeProfile{Scale: 2, Workers: 1}},
		{name: "2-2", want: ReplicaSizeProfile{Scale: 2, Workers: 2}},
		{name: "2-4", want: ReplicaSizeProfile{Scale: 2, Workers: 4}},
		{name: "2-3", wantErr: true},
		{name: "3-1", wantErr: true},
		{name: "bogus", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseReplicaSize(tc.name)
		if tc.wantErr {
			assert.Error(t, err, tc.name)
			continue
		}
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}
}
