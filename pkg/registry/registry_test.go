package registry

import (
	stderrors "errors"
	"testing"

	"github.com/wiremux/wiremux/pkg/channel"
	"github.com/wiremux/wiremux/pkg/codec"
	"github.com/wiremux/wiremux/pkg/errors"
)

type ping struct {
	Seq int `json:"seq"`
}

type pong struct {
	Seq int `json:"seq"`
}

func TestBindResolveRoundTrip(t *testing.T) {
	r := New()
	if err := Bind[ping](r, ToServer, 0, codec.JSON[ping](), channel.DefaultConfig()); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	binding, err := r.Resolve(ToServer, 0)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if binding.Channel != 0 {
		t.Errorf("expected channel 0, got %d", binding.Channel)
	}
	if binding.TypeName != "registry.ping" {
		t.Errorf("unexpected type name %q", binding.TypeName)
	}
	if binding.Config.Delivery != channel.ReliableOrdered {
		t.Errorf("expected default delivery mode, got %s", binding.Config.Delivery)
	}
}

func TestDuplicateBindingRejected(t *testing.T) {
	r := New()
	if err := Bind[ping](r, ToServer, 0, codec.JSON[ping](), channel.DefaultConfig()); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	err := Bind[pong](r, ToServer, 0, codec.JSON[pong](), channel.DefaultConfig())
	var dup *errors.DuplicateBinding
	if !stderrors.As(err, &dup) {
		t.Fatalf("expected DuplicateBinding, got %v", err)
	}

	// The original binding must be intact.
	binding, resolveErr := r.Resolve(ToServer, 0)
	if resolveErr != nil {
		t.Fatalf("Resolve failed: %v", resolveErr)
	}
	if binding.TypeName != "registry.ping" {
		t.Errorf("original binding was replaced, got %q", binding.TypeName)
	}
}

func TestRebindSameTypeIsIdempotent(t *testing.T) {
	r := New()
	if err := Bind[ping](r, ToServer, 0, codec.JSON[ping](), channel.DefaultConfig()); err != nil {
		t.Fatalf("first Bind failed: %v", err)
	}
	if err := Bind[ping](r, ToServer, 0, codec.JSON[ping](), channel.DefaultConfig()); err != nil {
		t.Fatalf("re-binding the same type should be a no-op, got %v", err)
	}
}

func TestSameTypeOnSecondChannelRejected(t *testing.T) {
	r := New()
	if err := Bind[ping](r, ToServer, 0, codec.JSON[ping](), channel.DefaultConfig()); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	err := Bind[ping](r, ToServer, 1, codec.JSON[ping](), channel.DefaultConfig())
	var dup *errors.DuplicateBinding
	if !stderrors.As(err, &dup) {
		t.Fatalf("expected DuplicateBinding for second channel of same type, got %v", err)
	}
}

func TestDirectionsAreIndependentNamespaces(t *testing.T) {
	r := New()
	if err := Bind[ping](r, ToServer, 0, codec.JSON[ping](), channel.DefaultConfig()); err != nil {
		t.Fatalf("Bind ToServer failed: %v", err)
	}
	if err := Bind[pong](r, ToClient, 0, codec.JSON[pong](), channel.DefaultConfig()); err != nil {
		t.Fatalf("Bind ToClient on the same channel id should succeed, got %v", err)
	}
}

func TestBroadcastSharesServerToClientNamespace(t *testing.T) {
	r := New()
	if err := Bind[pong](r, ToClients, 3, codec.JSON[pong](), channel.DefaultConfig()); err != nil {
		t.Fatalf("Bind ToClients failed: %v", err)
	}

	// Resolvable via the unicast direction too.
	if _, err := r.Resolve(ToClient, 3); err != nil {
		t.Fatalf("broadcast binding not visible to ToClient resolution: %v", err)
	}

	err := Bind[ping](r, ToClient, 3, codec.JSON[ping](), channel.DefaultConfig())
	var dup *errors.DuplicateBinding
	if !stderrors.As(err, &dup) {
		t.Fatalf("expected DuplicateBinding across ToClients/ToClient, got %v", err)
	}
}

func TestResolveUnboundChannel(t *testing.T) {
	r := New()
	_, err := r.Resolve(ToServer, 9)
	var unbound *errors.UnboundChannel
	if !stderrors.As(err, &unbound) {
		t.Fatalf("expected UnboundChannel, got %v", err)
	}
}

func TestResolveType(t *testing.T) {
	r := New()
	if err := Bind[ping](r, ToServer, 4, codec.JSON[ping](), channel.DefaultConfig()); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	binding, err := ResolveType[ping](r, ToServer)
	if err != nil {
		t.Fatalf("ResolveType failed: %v", err)
	}
	if binding.Channel != 4 {
		t.Errorf("expected channel 4, got %d", binding.Channel)
	}

	_, err = ResolveType[pong](r, ToServer)
	var unbound *errors.UnboundType
	if !stderrors.As(err, &unbound) {
		t.Fatalf("expected UnboundType, got %v", err)
	}
}

func TestBindingEncodeDecodeRoundTrip(t *testing.T) {
	r := New()
	if err := Bind[ping](r, ToServer, 0, codec.JSON[ping](), channel.DefaultConfig()); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	binding, err := r.Resolve(ToServer, 0)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	payload, err := binding.Encode(ping{Seq: 42})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	value, err := binding.Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	decoded, ok := value.(ping)
	if !ok {
		t.Fatalf("Decode returned %T, expected ping", value)
	}
	if decoded.Seq != 42 {
		t.Errorf("round trip changed the value: %+v", decoded)
	}
}
