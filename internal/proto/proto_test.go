package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderMsgRoundTrip(t *testing.T) {
	om := OrderMsg(10, 2, 7, "uuid-1", map[string]interface{}{"text": "Espresso"})

	raw, err := Encode(om)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TypeOrder, got.Type)
	require.Equal(t, 10, got.LeaderID)
	require.Equal(t, 2, got.Epoch)
	require.Equal(t, 7, got.Seq)
	require.Equal(t, "uuid-1", got.OrderUUID)
	require.Equal(t, "Espresso", got.Payload["text"])
}

func TestSenderIDHintPrecedence(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		want int
	}{
		{"sender_id", Envelope{SenderID: 3}, 3},
		{"leader_id", Envelope{LeaderID: 5}, 5},
		{"candidate_id", Envelope{CandidateID: 6}, 6},
		{"responder_id", Envelope{ResponderID: 9}, 9},
		{"sender_id over leader_id", Envelope{SenderID: 3, LeaderID: 5}, 3},
		{"none", Envelope{}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := tc.env.SenderIDHint()
			if tc.want == 0 {
				require.False(t, ok)
				return
			}
			require.True(t, ok)
			require.Equal(t, tc.want, id)
		})
	}
}

func TestDecodeMalformedRecordErrors(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
}

func TestLeaderAliveCarriesClusterList(t *testing.T) {
	hb := LeaderAlive(10, 3, 42, 9100, []ClusterEntry{{ID: 2, IP: "10.0.0.2", TCP: 9102}})
	raw, err := Encode(hb)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, got.Cluster, 1)
	require.Equal(t, 2, got.Cluster[0].ID)
	require.Equal(t, "10.0.0.2", got.Cluster[0].IP)
}
