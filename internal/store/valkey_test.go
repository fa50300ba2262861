package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func openTestValkey(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	st, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st, server
}

func TestValkeyStoreRoundTrip(t *testing.T) {
	st, _ := openTestValkey(t)
	ctx := context.Background()

	value := json.RawMessage(`[{"id":1,"name":"Tents"}]`)
	if err := st.Put(ctx, "budget_items_cat_5", value, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := st.Get(ctx, "budget_items_cat_5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(got) != string(value) {
		t.Fatalf("unexpected value: ok=%v %s", ok, got)
	}

	keys, err := st.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "budget_items_cat_5" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	if err := st.Delete(ctx, "budget_items_cat_5"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "budget_items_cat_5"); ok {
		t.Fatalf("expected delete to remove key")
	}
}

func TestValkeyStoreLogicalExpiry(t *testing.T) {
	st, _ := openTestValkey(t)
	vs := st.(*valkeyStore)
	ctx := context.Background()

	base := time.Now().UTC()
	vs.now = func() time.Time { return base }
	if err := st.Put(ctx, "finance_report", json.RawMessage(`{"total":120}`), 10*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}

	vs.now = func() time.Time { return base.Add(time.Second) }
	if _, ok, err := st.Get(ctx, "finance_report"); err != nil {
		t.Fatalf("get: %v", err)
	} else if ok {
		t.Fatalf("expected entry to expire")
	}

	// The miss must not reclaim the record; stale reads still see it.
	if _, ok, _ := st.GetStale(ctx, "finance_report"); !ok {
		t.Fatalf("expected expired record to remain for stale reads")
	}
}

func TestValkeyStoreStaleRead(t *testing.T) {
	st, _ := openTestValkey(t)
	vs := st.(*valkeyStore)
	ctx := context.Background()

	base := time.Now().UTC()
	vs.now = func() time.Time { return base }
	if err := st.Put(ctx, "activities", json.RawMessage(`["hike"]`), 10*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}

	vs.now = func() time.Time { return base.Add(time.Hour) }
	got, ok, err := st.GetStale(ctx, "activities")
	if err != nil {
		t.Fatalf("get stale: %v", err)
	}
	if !ok || string(got) != `["hike"]` {
		t.Fatalf("expected stale value, got ok=%v %s", ok, got)
	}
}

func TestValkeyStoreMutations(t *testing.T) {
	st, _ := openTestValkey(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := st.EnqueueMutation(ctx, Mutation{ID: "m-1", Action: "update-user-roles", Subject: "org-1/u-1", CreatedAt: now}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := st.EnqueueMutation(ctx, Mutation{ID: "m-2", Action: "update-budget-item", Subject: "item-9", CreatedAt: now}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// In-place update keeps the original position in the order list.
	if err := st.EnqueueMutation(ctx, Mutation{ID: "m-1", Action: "update-user-roles", Subject: "org-1/u-1", CreatedAt: now, RetryCount: 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	muts, err := st.ListMutations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(muts) != 2 || muts[0].ID != "m-1" || muts[1].ID != "m-2" {
		t.Fatalf("unexpected mutations: %#v", muts)
	}
	if muts[0].RetryCount != 3 {
		t.Fatalf("upsert not applied: %#v", muts[0])
	}

	if err := st.DeleteMutation(ctx, "m-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	muts, _ = st.ListMutations(ctx)
	if len(muts) != 1 || muts[0].ID != "m-2" {
		t.Fatalf("unexpected remaining: %#v", muts)
	}

	if err := st.ClearMutations(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	muts, _ = st.ListMutations(ctx)
	if len(muts) != 0 {
		t.Fatalf("expected empty outbox after clear")
	}
}

func TestValkeyStoreWipe(t *testing.T) {
	st, _ := openTestValkey(t)
	ctx := context.Background()

	_ = st.Put(ctx, "budget_categories", json.RawMessage(`[]`), time.Minute)
	_ = st.EnqueueMutation(ctx, Mutation{ID: "m-1", Action: "update-user-roles", Subject: "org-1/u-1", CreatedAt: time.Now().UTC()})

	if err := st.Wipe(ctx); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "budget_categories"); ok {
		t.Fatalf("expected cache empty after wipe")
	}
	muts, _ := st.ListMutations(ctx)
	if len(muts) != 0 {
		t.Fatalf("expected outbox empty after wipe")
	}
}
