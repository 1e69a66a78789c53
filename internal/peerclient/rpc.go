package peerclient

import (
	"encoding/json"
	"time"

	"github.com/Chinzzii/pg-logical-replicator/internal/protocol"
)

// sendCatchUpTrio emits the three catch-up RPCs in sequence, per §4.2
// step 4.
func (c *Client) sendCatchUpTrio() {
	_ = c.SendApply()
	_ = c.SendGetMaxLog()
	_ = c.SendGetMaxRelay()
}

// SendAuthorize performs the Open-type Authorize handshake (§4.2).
func (c *Client) SendAuthorize() error {
	msg, err := protocol.NewOpen("Authorize", map[string]string{"secret": c.secret})
	if err != nil {
		return err
	}
	return c.call(msg, func(payload json.RawMessage) {
		var result struct {
			Authorized bool `json:"authorized"`
		}
		if err := json.Unmarshal(payload, &result); err != nil {
			c.logger.Error().Err(err).Msg("decode Authorize result")
			return
		}
		if !result.Authorized {
			c.logger.Warn().Msg("peer rejected authorization")
			return
		}
		c.authorized = true
		_ = c.SendSubscribe()
	}, c.logOnlyErrorHandler)
}

// SendSubscribe subscribes to the "replication" publisher for this source.
func (c *Client) SendSubscribe() error {
	payload := map[string]any{
		"publisher": "replication",
		"params":    map[string]string{"source": c.source},
	}
	msg, err := protocol.NewCall("/observer/subscribe", payload)
	if err != nil {
		return err
	}
	return c.call(msg, func(json.RawMessage) {
		_ = c.SendGetMaxRelay()
	}, c.logOnlyErrorHandler)
}

// SendApply issues /replication/apply, draining already-buffered relay
// rows on the peer's apply path for this source.
func (c *Client) SendApply() error {
	msg, err := protocol.NewCall("/replication/apply", map[string]string{"source": c.source})
	if err != nil {
		return err
	}
	return c.call(msg, func(payload json.RawMessage) {
		var result struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(payload, &result); err != nil {
			c.logger.Error().Err(err).Msg("decode /replication/apply result")
			return
		}
		if result.Count > 0 {
			c.applyTs = time.Time{}
		}
	}, c.logOnlyErrorHandler)
}

// SendGetMaxLog issues /replication/log/max, the master-side hook to learn
// whether the peer has newer originated rows than last observed.
func (c *Client) SendGetMaxLog() error {
	msg, err := protocol.NewCall("/replication/log/max", map[string]string{"source": c.source})
	if err != nil {
		return err
	}
	return c.call(msg, func(payload json.RawMessage) {
		var result struct {
			ID *uint64 `json:"id"`
		}
		if err := json.Unmarshal(payload, &result); err != nil {
			c.logger.Error().Err(err).Msg("decode /replication/log/max result")
			return
		}
		if result.ID != nil {
			c.callbacks.OnMaxLog(*result.ID)
		}
	}, c.logOnlyErrorHandler)
}

// SendGetMaxRelay issues /replication/relay/max, driving the slave-side
// catch-up pull, then flushes anything buffered while not ready.
func (c *Client) SendGetMaxRelay() error {
	msg, err := protocol.NewCall("/replication/relay/max", map[string]string{"source": c.source})
	if err != nil {
		return err
	}
	return c.call(msg, func(payload json.RawMessage) {
		var result struct {
			ID *uint64 `json:"id"`
		}
		if err := json.Unmarshal(payload, &result); err != nil {
			c.logger.Error().Err(err).Msg("decode /replication/relay/max result")
			return
		}
		if result.ID != nil {
			c.callbacks.OnMaxRelay(c, *result.ID)
		}
		c.flushPending()
	}, c.logOnlyErrorHandler)
}

// SendReplicationLog requests up to reclimit rows after relayID, the
// slave-side pull RPC driving apply.
func (c *Client) SendReplicationLog(relayID uint64, reclimit int) error {
	payload := map[string]any{"id": relayID, "source": c.source, "reclimit": reclimit}
	msg, err := protocol.NewCall("/replication/log", payload)
	if err != nil {
		return err
	}
	return c.call(msg, func(payload json.RawMessage) {
		c.callbacks.OnReplicationLog(payload)
	}, c.logOnlyErrorHandler)
}

// Publish sends row (augmented with source/proxy) via /replication/relay/add
// if the client is ready to accept it immediately, otherwise buffers it in
// pendingData for replay after the next Subscribe/GetMaxRelay completes
// (§4.3's master fan-out rule).
func (c *Client) Publish(row map[string]any, proxy bool) {
	if !c.Ready() {
		c.bufferRow(row, proxy)
		return
	}
	if err := c.sendRelayAdd(row, proxy); err != nil {
		c.bufferRow(row, proxy)
	}
}

func (c *Client) sendRelayAdd(row map[string]any, proxy bool) error {
	row["source"] = c.source
	row["proxy"] = proxy
	msg, err := protocol.NewCall("/replication/relay/add", row)
	if err != nil {
		return err
	}
	c.sendCount++
	if err := c.call(msg, func(json.RawMessage) {
		c.sendCount--
	}, c.handleRelayAddError); err != nil {
		c.sendCount--
		return err
	}
	return nil
}

func (c *Client) handleRelayAddError(code int, message string, original protocol.Message) {
	c.sendCount--
	if code == protocol.ErrUnauthorized {
		c.authorized = false
		c.registrationTs = time.Time{}
		c.pendingMessages = append(c.pendingMessages, original)
		c.logger.Warn().Msg("relay/add unauthorized, queued for replay after re-auth")
		return
	}
	c.logger.Error().Int("code", code).Str("message", message).Msg("/replication/relay/add failed")
}

func (c *Client) bufferRow(row map[string]any, proxy bool) {
	c.pendingData = append(c.pendingData, pendingRow{row: row, proxy: proxy})
}

// flushPending replays buffered rows and 401-queued messages, in that
// order, once the client has regained readiness (§4.2's GetMaxRelay step,
// §7's 401 replay rule).
func (c *Client) flushPending() {
	rows := c.pendingData
	c.pendingData = nil
	for _, pr := range rows {
		c.Publish(pr.row, pr.proxy)
	}

	messages := c.pendingMessages
	c.pendingMessages = nil
	for _, msg := range messages {
		c.resendRelayAdd(msg)
	}
}

func (c *Client) resendRelayAdd(msg protocol.Message) {
	c.sendCount++
	if err := c.call(msg, func(json.RawMessage) {
		c.sendCount--
	}, c.handleRelayAddError); err != nil {
		c.sendCount--
		c.pendingMessages = append(c.pendingMessages, msg)
	}
}
