package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/codex-teams/fabric/internal/fabric"
)

func newTestRoomLog(t *testing.T) *RoomLog {
	t.Helper()
	rl, err := OpenRoomLog(filepath.Join(t.TempDir(), "room.db"))
	if err != nil {
		t.Fatalf("OpenRoomLog: %v", err)
	}
	t.Cleanup(func() { _ = rl.Close() })
	return rl
}

func TestActiveMembersOrderedByAgentName(t *testing.T) {
	ctx := context.Background()
	rl := newTestRoomLog(t)

	for _, agent := range []string{"worker-2", "worker-1", "lead"} {
		if _, err := rl.UpsertMember(ctx, fabric.Member{Room: "main", Agent: agent, LastSeenTs: "2026-01-01T00:00:00Z"}); err != nil {
			t.Fatalf("UpsertMember(%s): %v", agent, err)
		}
	}

	members, err := rl.ActiveMembers(ctx, "main", "lead")
	if err != nil {
		t.Fatalf("ActiveMembers: %v", err)
	}
	if len(members) != 2 || members[0].Agent != "worker-1" || members[1].Agent != "worker-2" {
		t.Fatalf("ActiveMembers = %+v, want [worker-1 worker-2]", members)
	}
}

func TestUpsertMemberDefaultsYieldToExisting(t *testing.T) {
	ctx := context.Background()
	rl := newTestRoomLog(t)

	if _, err := rl.UpsertMember(ctx, fabric.Member{Room: "main", Agent: "worker-1", Role: fabric.RoleWorker, LastSeenTs: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("UpsertMember (1st): %v", err)
	}
	merged, err := rl.UpsertMember(ctx, fabric.Member{Room: "main", Agent: "worker-1", LastSeenTs: "2026-01-01T00:01:00Z"})
	if err != nil {
		t.Fatalf("UpsertMember (2nd): %v", err)
	}
	if merged.Role != fabric.RoleWorker {
		t.Fatalf("Role = %s, want worker to survive a default-valued upsert", merged.Role)
	}
}

func TestResolveControlRequestOnlyOnce(t *testing.T) {
	ctx := context.Background()
	rl := newTestRoomLog(t)

	cr := fabric.ControlRequest{
		RequestID: "req-1", Room: "main", ReqType: fabric.CtlShutdown,
		Sender: "lead", Recipient: "worker-1", Body: "stop",
		Status: fabric.ControlPending, CreatedTs: "t0", UpdatedTs: "t0",
	}
	if err := rl.CreateControlRequest(ctx, cr); err != nil {
		t.Fatalf("CreateControlRequest: %v", err)
	}

	if err := rl.ResolveControlRequest(ctx, "req-1", fabric.ControlApproved, "ok", "t1"); err != nil {
		t.Fatalf("first ResolveControlRequest: %v", err)
	}
	if err := rl.ResolveControlRequest(ctx, "req-1", fabric.ControlRejected, "too late", "t2"); err == nil {
		t.Fatal("expected resolving an already-resolved control request to fail")
	}
}
