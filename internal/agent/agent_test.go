package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"OpenSouk-Chain/internal/bus"
	"OpenSouk-Chain/internal/certify"
	"OpenSouk-Chain/internal/market"
	"OpenSouk-Chain/internal/protocol"
	"OpenSouk-Chain/internal/web3"
)

// captureMailbox 订阅邮箱并把收到的消息透传到通道。
func captureMailbox(t *testing.T, ctx context.Context, b bus.Bus, name string) <-chan protocol.Message {
	t.Helper()
	ch := make(chan protocol.Message, 8)
	if err := b.Subscribe(ctx, name, func(_ context.Context, msg protocol.Message) error {
		ch <- msg
		return nil
	}); err != nil {
		t.Fatalf("subscribe %s: %v", name, err)
	}
	return ch
}

func waitMessage(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for message")
		return protocol.Message{}
	}
}

func newRuntimeHarness(t *testing.T, ctx context.Context) (*Runtime, *Registry, bus.Bus) {
	t.Helper()
	b := bus.NewMemoryBus(16)
	t.Cleanup(func() { _ = b.Close() })
	registry := NewRegistry(RegistryConfig{LivenessWindow: time.Hour})
	rt, err := NewRuntime(RuntimeConfig{Bus: b, Registry: registry, Heartbeat: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Stop() })
	return rt, registry, b
}

func TestRuntimeDeliversAssignmentToSeller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, registry, b := newRuntimeHarness(t, ctx)

	marketSvc := market.NewService(market.NewMemoryStore())
	seller, err := NewSeller(SellerConfig{Name: "seller-1", Market: marketSvc, Chain: web3.NewMemoryClient()})
	if err != nil {
		t.Fatalf("new seller: %v", err)
	}
	if err := rt.Register(seller); err != nil {
		t.Fatalf("register seller: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start runtime: %v", err)
	}

	replies := captureMailbox(t, ctx, b, "dispatcher")
	payload, _ := json.Marshal(market.AddProductInput{
		SKU:         "TEA-001",
		Name:        "Mint Tea",
		Category:    "snack",
		PriceAmount: 1500,
		Stock:       10,
	})
	msg, err := protocol.New("dispatcher", "seller-1", protocol.PerformativeRequest, protocol.TaskAssignment{
		TaskID:  "task-1",
		Kind:    "product.add",
		Payload: payload,
		ReplyTo: "dispatcher",
	})
	if err != nil {
		t.Fatalf("build assignment: %v", err)
	}
	if err := b.Publish(ctx, msg); err != nil {
		t.Fatalf("publish assignment: %v", err)
	}

	reply := waitMessage(t, replies)
	if reply.Performative != protocol.PerformativeInform {
		t.Fatalf("expected inform reply, got %s", reply.Performative)
	}
	var result protocol.TaskResult
	if err := protocol.DecodeBody(reply, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.TaskID != "task-1" {
		t.Fatalf("expected task-1 in reply, got %q", result.TaskID)
	}
	if result.TxHash == "" {
		t.Fatalf("expected listing tx hash in reply")
	}
	var product market.Product
	if err := json.Unmarshal(result.Output, &product); err != nil {
		t.Fatalf("decode product output: %v", err)
	}
	if product.Seller != "seller-1" {
		t.Fatalf("expected product owned by seller-1, got %q", product.Seller)
	}

	entry, ok := registry.Get("seller-1")
	if !ok {
		t.Fatalf("seller missing from registry")
	}
	if entry.Role != "seller" || len(entry.Capabilities) != 1 || entry.Capabilities[0] != "product.add" {
		t.Fatalf("unexpected registry entry: %+v", entry)
	}
}

type panickyWorker struct{}

func (panickyWorker) Name() string           { return "flaky-1" }
func (panickyWorker) Capabilities() []string { return []string{"product.add"} }
func (panickyWorker) Handle(context.Context, protocol.Message) (*protocol.Message, error) {
	panic("boom")
}

func TestRuntimeRepliesFailureOnPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, _, b := newRuntimeHarness(t, ctx)

	if err := rt.Register(panickyWorker{}); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start runtime: %v", err)
	}

	replies := captureMailbox(t, ctx, b, "dispatcher")
	msg, err := protocol.New("dispatcher", "flaky-1", protocol.PerformativeRequest, protocol.TaskAssignment{
		TaskID:  "task-9",
		Kind:    "product.add",
		ReplyTo: "dispatcher",
	})
	if err != nil {
		t.Fatalf("build assignment: %v", err)
	}
	if err := b.Publish(ctx, msg); err != nil {
		t.Fatalf("publish assignment: %v", err)
	}

	reply := waitMessage(t, replies)
	if reply.Performative != protocol.PerformativeFailure {
		t.Fatalf("expected failure reply, got %s", reply.Performative)
	}
	var result protocol.TaskResult
	if err := protocol.DecodeBody(reply, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.TaskID != "task-9" || result.ErrorCode != string(CodeHandlerPanic) {
		t.Fatalf("unexpected failure result: %+v", result)
	}
}

func TestNegotiationRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, _, b := newRuntimeHarness(t, ctx)

	marketSvc := market.NewService(market.NewMemoryStore())
	product, err := marketSvc.AddProduct(ctx, market.AddProductInput{
		SKU:         "DATE-001",
		Name:        "Medjool Dates",
		PriceAmount: 2000,
		Stock:       5,
		Seller:      "seller-1",
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}

	seller, err := NewSeller(SellerConfig{Name: "seller-1", Market: marketSvc})
	if err != nil {
		t.Fatalf("new seller: %v", err)
	}
	buyer, err := NewBuyer(BuyerConfig{Name: "buyer-1", Market: marketSvc, Bus: b, Budget: 10000})
	if err != nil {
		t.Fatalf("new buyer: %v", err)
	}
	if err := rt.Register(seller); err != nil {
		t.Fatalf("register seller: %v", err)
	}
	if err := rt.Register(buyer); err != nil {
		t.Fatalf("register buyer: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start runtime: %v", err)
	}

	if err := buyer.Inquire(ctx, "seller-1", product.ID, 2); err != nil {
		t.Fatalf("inquire: %v", err)
	}

	// cfp -> propose -> accept-proposal -> 落账，整条链路都是异步的。
	deadline := time.Now().Add(3 * time.Second)
	for {
		orders, err := marketSvc.ListOrders(ctx, market.OrderListOptions{})
		if err != nil {
			t.Fatalf("list orders: %v", err)
		}
		if len(orders) == 1 {
			order := orders[0]
			if order.ProductID != product.ID || order.Quantity != 2 || order.AmountPaid != 4000 {
				t.Fatalf("unexpected order: %+v", order)
			}
			if order.Buyer != "buyer-1" {
				t.Fatalf("expected buyer-1 on order, got %q", order.Buyer)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("negotiation never produced an order")
		}
		time.Sleep(20 * time.Millisecond)
	}

	refreshed, err := marketSvc.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if refreshed.Stock != 3 {
		t.Fatalf("expected stock 3 after the sale, got %d", refreshed.Stock)
	}
}

func TestBuyerRejectsProposalOverBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, _, b := newRuntimeHarness(t, ctx)

	marketSvc := market.NewService(market.NewMemoryStore())
	buyer, err := NewBuyer(BuyerConfig{Name: "buyer-1", Market: marketSvc, Bus: b, Budget: 1000})
	if err != nil {
		t.Fatalf("new buyer: %v", err)
	}
	if err := rt.Register(buyer); err != nil {
		t.Fatalf("register buyer: %v", err)
	}
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start runtime: %v", err)
	}

	sellerBox := captureMailbox(t, ctx, b, "seller-1")
	if err := buyer.Inquire(ctx, "seller-1", "prod-1", 1); err != nil {
		t.Fatalf("inquire: %v", err)
	}

	cfp := waitMessage(t, sellerBox)
	if cfp.Performative != protocol.PerformativeCFP {
		t.Fatalf("expected cfp, got %s", cfp.Performative)
	}

	proposal, err := protocol.Reply(cfp, protocol.PerformativePropose, protocol.Proposal{
		ProductID:      "prod-1",
		PriceAmount:    5000,
		PriceCurrency:  "MYR",
		AvailableStock: 3,
	})
	if err != nil {
		t.Fatalf("build proposal: %v", err)
	}
	if err := b.Publish(ctx, proposal); err != nil {
		t.Fatalf("publish proposal: %v", err)
	}

	rejection := waitMessage(t, sellerBox)
	if rejection.Performative != protocol.PerformativeRejectProposal {
		t.Fatalf("expected reject-proposal, got %s", rejection.Performative)
	}
	var refusal protocol.Refusal
	if err := protocol.DecodeBody(rejection, &refusal); err != nil {
		t.Fatalf("decode refusal: %v", err)
	}
	if !strings.Contains(refusal.Reason, "预算") {
		t.Fatalf("expected budget reason, got %q", refusal.Reason)
	}
}

func TestCertifierReviewVerdicts(t *testing.T) {
	ctx := context.Background()
	marketSvc := market.NewService(market.NewMemoryStore())
	certSvc, err := certify.NewService(certify.Config{
		Store:         certify.NewMemoryStore(),
		Catalog:       marketSvc,
		DefaultQuorum: 1,
	})
	if err != nil {
		t.Fatalf("new certify service: %v", err)
	}
	certifier, err := NewCertifier(CertifierConfig{Name: "certifier-1", Certify: certSvc, Catalog: marketSvc})
	if err != nil {
		t.Fatalf("new certifier: %v", err)
	}

	review := func(recordID, taskID string) protocol.Message {
		t.Helper()
		payload, _ := json.Marshal(ReviewRequest{RecordID: recordID})
		msg, err := protocol.New("dispatcher", "certifier-1", protocol.PerformativeRequest, protocol.TaskAssignment{
			TaskID:  taskID,
			Kind:    "certification.review",
			Payload: payload,
			ReplyTo: "dispatcher",
		})
		if err != nil {
			t.Fatalf("build assignment: %v", err)
		}
		return msg
	}

	// 干净的商品走完评审后生效。
	clean, err := marketSvc.AddProduct(ctx, market.AddProductInput{
		SKU:         "TEA-001",
		Name:        "Mint Tea",
		Category:    "snack",
		PriceAmount: 1000,
		Stock:       5,
		Seller:      "seller-1",
	})
	if err != nil {
		t.Fatalf("seed product: %v", err)
	}
	cleanRec, err := certSvc.Open(ctx, certify.OpenInput{
		ProductID:     clean.ID,
		Authority:     "JAKIM",
		CertificateNo: "JK-100",
		Quorum:        1,
	})
	if err != nil {
		t.Fatalf("open record: %v", err)
	}

	reply, err := certifier.Handle(ctx, review(cleanRec.ID, "task-5"))
	if err != nil {
		t.Fatalf("handle review: %v", err)
	}
	if reply == nil || reply.Performative != protocol.PerformativeInform {
		t.Fatalf("expected inform reply, got %+v", reply)
	}
	refreshed, err := certSvc.Get(ctx, cleanRec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if refreshed.Status != certify.StatusCertified {
		t.Fatalf("expected certified record, got %s", refreshed.Status)
	}

	// 记录已经生效，重复评审只能拿到 failure 应答。
	again, err := certifier.Handle(ctx, review(cleanRec.ID, "task-6"))
	if err != nil {
		t.Fatalf("handle repeated review: %v", err)
	}
	if again == nil || again.Performative != protocol.PerformativeFailure {
		t.Fatalf("expected failure reply for repeated review, got %+v", again)
	}

	// 含猪肉成分的商品被一票否决。
	tainted, err := marketSvc.AddProduct(ctx, market.AddProductInput{
		SKU:         "HAM-001",
		Name:        "Pork Ham",
		Category:    "meat",
		PriceAmount: 3000,
		Stock:       5,
		Seller:      "seller-1",
	})
	if err != nil {
		t.Fatalf("seed tainted product: %v", err)
	}
	taintedRec, err := certSvc.Open(ctx, certify.OpenInput{
		ProductID:     tainted.ID,
		Authority:     "JAKIM",
		CertificateNo: "JK-101",
		Quorum:        1,
	})
	if err != nil {
		t.Fatalf("open tainted record: %v", err)
	}

	reply, err = certifier.Handle(ctx, review(taintedRec.ID, "task-7"))
	if err != nil {
		t.Fatalf("handle tainted review: %v", err)
	}
	if reply == nil || reply.Performative != protocol.PerformativeInform {
		t.Fatalf("expected inform reply, got %+v", reply)
	}
	rejected, err := certSvc.Get(ctx, taintedRec.ID)
	if err != nil {
		t.Fatalf("get tainted record: %v", err)
	}
	if rejected.Status != certify.StatusRevoked {
		t.Fatalf("expected revoked record after reject verdict, got %s", rejected.Status)
	}
}
