package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/HerbCaudill/beads-ui-sub002/internal/registry"
	"github.com/HerbCaudill/beads-ui-sub002/internal/types"
)

func TestSubscriptionDeliverShapesPushes(t *testing.T) {
	one := types.Issue{ID: "UI-1", Title: "One", Status: types.StatusOpen}
	two := types.Issue{ID: "UI-2", Title: "Two", Status: types.StatusOpen}

	tests := []struct {
		name string
		push registry.Push
		typ  MessageType
		want PushPayload
	}{
		{
			name: "snapshot",
			push: registry.Push{Kind: registry.EventSnapshot, Revision: 3, Issues: []types.Issue{one, two}},
			typ:  MsgSnapshot,
			want: PushPayload{ID: "tab", Revision: 3, Issues: []types.Issue{one, two}},
		},
		{
			name: "single upsert",
			push: registry.Push{Kind: registry.EventUpsert, Revision: 4, Issues: []types.Issue{one}},
			typ:  MsgUpsert,
			want: PushPayload{ID: "tab", Revision: 4, Issues: []types.Issue{one}, Issue: &one},
		},
		{
			name: "batched upsert",
			push: registry.Push{Kind: registry.EventUpsert, Revision: 5, Issues: []types.Issue{one, two}},
			typ:  MsgUpsert,
			want: PushPayload{ID: "tab", Revision: 5, Issues: []types.Issue{one, two}},
		},
		{
			name: "single delete",
			push: registry.Push{Kind: registry.EventDelete, Revision: 6, IssueIDs: []string{"UI-2"}},
			typ:  MsgDelete,
			want: PushPayload{ID: "tab", Revision: 6, IssueIDs: []string{"UI-2"}, IssueID: "UI-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &conn{ctx: context.Background(), out: make(chan []byte, 1), log: zerolog.Nop()}
			(&subscription{c: c, id: "tab"}).Deliver(tt.push)

			var reply Reply
			if err := json.Unmarshal(<-c.out, &reply); err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if !reply.OK || reply.Type != tt.typ || reply.ID == "" {
				t.Fatalf("unexpected envelope: %+v", reply)
			}
			var got PushPayload
			if err := json.Unmarshal(reply.Payload, &got); err != nil {
				t.Fatalf("decode payload failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{ctx: ctx, out: make(chan []byte, 1), log: zerolog.Nop()}
	cancel()

	c.send(Reply{ID: "x", OK: true, Type: MsgPing})
	if len(c.out) != 0 {
		t.Errorf("queued %d messages on a closed connection", len(c.out))
	}
}
