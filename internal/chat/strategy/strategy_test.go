package strategy

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/confab/internal/chat/message"
	"github.com/zjrosen/confab/internal/chat/registry"
	"github.com/zjrosen/confab/internal/provider/providers/mock"
)

func testRegistry(t *testing.T, ids ...string) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, id := range ids {
		err := reg.Add(registry.AIRecord{
			ID:              id,
			DisplayName:     id,
			Alias:           "@" + id,
			NormalizedAlias: message.Normalize(id),
			IsActive:        true,
			Capability:      mock.New("mock-1"),
		})
		require.NoError(t, err)
	}
	return reg
}

func aiMsg(sender, content string) message.ContextMessage {
	m := message.Message{
		Sender:     sender,
		SenderType: message.SenderAI,
		AIID:       sender,
		Content:    content,
		Timestamp:  time.Now(),
	}
	m.IndexMentions()
	return message.ContextMessage{Message: m}
}

func userMsg(sender, content string) message.ContextMessage {
	m := message.Message{
		Sender:     sender,
		SenderType: message.SenderUser,
		Content:    content,
		Timestamp:  time.Now(),
	}
	m.IndexMentions()
	return message.ContextMessage{Message: m}
}

func TestSelectMentionForcesDirect(t *testing.T) {
	reg := testRegistry(t, "alpha", "beta")
	ai, _ := reg.Get("alpha")

	for seed := int64(0); seed < 20; seed++ {
		d := Select(Input{
			AI:             ai,
			Recent:         []message.ContextMessage{userMsg("carol", "hey @alpha what do you think?")},
			IsUserResponse: true,
			Registry:       reg,
			Rng:            rand.New(rand.NewSource(seed)),
		})
		require.Equal(t, Direct, d.Type, "seed %d", seed)
		require.True(t, d.MentionsCurrentAI)
		require.Equal(t, "You were directly mentioned by the user. Respond to their message.", d.Instruction)
	}
}

func TestSelectMentionedByAI(t *testing.T) {
	reg := testRegistry(t, "alpha", "beta")
	ai, _ := reg.Get("alpha")

	d := Select(Input{
		AI:             ai,
		Recent:         []message.ContextMessage{aiMsg("beta", "@alpha I disagree")},
		IsUserResponse: false,
		Registry:       reg,
		Rng:            rand.New(rand.NewSource(1)),
	})
	require.Equal(t, Direct, d.Type)
	require.True(t, d.MentionsCurrentAI)
	require.True(t, d.ShouldMention)
	require.Equal(t, TargetAI, d.TargetKind)
	require.Equal(t, "beta", d.TargetAI.ID)
	require.Equal(t, "You were directly mentioned by @beta. Respond specifically to their message.", d.Instruction)
}

func TestSelectUserTargetWinsOnUserResponse(t *testing.T) {
	reg := testRegistry(t, "alpha", "beta")
	ai, _ := reg.Get("alpha")

	d := Select(Input{
		AI:             ai,
		Recent:         []message.ContextMessage{aiMsg("beta", "earlier point"), userMsg("carol", "what next?")},
		IsUserResponse: true,
		Registry:       reg,
		Rng:            rand.New(rand.NewSource(3)),
	})
	require.True(t, d.ShouldMention)
	require.Equal(t, TargetUser, d.TargetKind)
	require.Equal(t, "carol", d.TargetUser)
	require.Equal(t, "@carol", MentionTokenFor(d))
}

func TestSelectUnresolvableUserTokenDropsMention(t *testing.T) {
	reg := testRegistry(t, "alpha")
	ai, _ := reg.Get("alpha")

	d := Select(Input{
		AI:             ai,
		Recent:         []message.ContextMessage{userMsg("!!!", "hello")},
		IsUserResponse: true,
		Registry:       reg,
		Rng:            rand.New(rand.NewSource(0)),
	})
	require.False(t, d.ShouldMention)
	require.Equal(t, TargetNone, d.TargetKind)
}

func TestSelectRandomAITarget(t *testing.T) {
	reg := testRegistry(t, "alpha", "beta", "gamma")
	ai, _ := reg.Get("alpha")
	recent := []message.ContextMessage{
		aiMsg("beta", "one"),
		aiMsg("gamma", "two"),
	}

	hit := false
	for seed := int64(0); seed < 50; seed++ {
		d := Select(Input{
			AI:             ai,
			Recent:         recent,
			IsUserResponse: false,
			Registry:       reg,
			Rng:            rand.New(rand.NewSource(seed)),
		})
		if d.ShouldMention {
			require.Equal(t, TargetAI, d.TargetKind)
			require.Contains(t, []string{"beta", "gamma"}, d.TargetAI.ID)
			require.NotEqual(t, "alpha", d.TargetAI.ID)
			hit = true
		}
	}
	require.True(t, hit, "expected at least one random mention across seeds")
}

func TestAdjustWeightsBackgroundAfterAI(t *testing.T) {
	recent := []message.ContextMessage{aiMsg("beta", "a point")}

	w := adjustWeights(recent, false)
	require.InDelta(t, 0.45, w[Challenge], 1e-9)
	require.InDelta(t, 0.45, w[AgreeExpand], 1e-9)

	// No bump when the trigger was a user message.
	w = adjustWeights(recent, true)
	require.InDelta(t, 0.25, w[Challenge], 1e-9)
	require.InDelta(t, 0.30, w[AgreeExpand], 1e-9)
}

func TestAdjustWeightsAIDominatedTail(t *testing.T) {
	recent := []message.ContextMessage{
		aiMsg("beta", "1"),
		aiMsg("gamma", "2"),
		userMsg("carol", "3"),
		aiMsg("beta", "4"),
	}
	w := adjustWeights(recent, true)
	require.InDelta(t, 0.25, w[Redirect], 1e-9)
	require.InDelta(t, 0.30, w[Question], 1e-9)
}

func TestWeightedPickDeterministicUnderSeed(t *testing.T) {
	w := adjustWeights(nil, true)
	first := weightedPick(w, rand.New(rand.NewSource(42)))
	second := weightedPick(w, rand.New(rand.NewSource(42)))
	require.Equal(t, first, second)
}

func TestWeightedPickCoversAllStrategies(t *testing.T) {
	w := adjustWeights(nil, true)
	seen := make(map[Strategy]bool)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		seen[weightedPick(w, rng)] = true
	}
	for _, s := range strategyOrder {
		require.True(t, seen[s], "strategy %s never picked", s)
	}
}

func TestSelectEmptyContext(t *testing.T) {
	reg := testRegistry(t, "alpha")
	ai, _ := reg.Get("alpha")

	d := Select(Input{
		AI:             ai,
		Recent:         nil,
		IsUserResponse: false,
		Registry:       reg,
		Rng:            rand.New(rand.NewSource(0)),
	})
	require.False(t, d.MentionsCurrentAI)
	require.NotEmpty(t, d.Instruction)
}

func TestSelectInstructionAlwaysSet(t *testing.T) {
	reg := testRegistry(t, "alpha", "beta")
	ai, _ := reg.Get("alpha")

	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.Int64().Draw(t, "seed")
		n := rapid.IntRange(0, 10).Draw(t, "n")
		var recent []message.ContextMessage
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(t, "isAI") {
				recent = append(recent, aiMsg("beta", "ai text"))
			} else {
				recent = append(recent, userMsg("carol", "user text"))
			}
		}
		d := Select(Input{
			AI:             ai,
			Recent:         recent,
			IsUserResponse: rapid.Bool().Draw(t, "userResp"),
			Registry:       reg,
			Rng:            rand.New(rand.NewSource(seed)),
		})
		if d.Instruction == "" {
			t.Fatalf("empty instruction for decision %+v", d)
		}
		if d.ShouldMention && MentionTokenFor(d) == "" {
			t.Fatalf("shouldMention with unresolvable token: %+v", d)
		}
	})
}
