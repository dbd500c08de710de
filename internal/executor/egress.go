package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"strings"

	"github.com/trellisflow/trellis/internal/expr"
	"github.com/trellisflow/trellis/internal/fault"
	"github.com/trellisflow/trellis/internal/model"
)

// execQueueProducer enqueues the payload on a named topic.
//
// Config: topic (required).
func execQueueProducer(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	if env.Emulation {
		return emulatedQueueProducer(node), nil
	}

	topic := node.ConfigString("topic")
	if topic == "" {
		return nil, fault.New(fault.KindValidation, "queue-producer node %s has no topic", node.ID)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransformation, err)
	}
	if err := env.Deps.Queue.Enqueue(ctx, topic, raw); err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	return model.Payload{"enqueued": true, "topic": topic}, nil
}

// egressMode reads the node's emit mode, defaulting to log.
func egressMode(node model.Node) string {
	m := strings.ToLower(node.ConfigString("mode"))
	if m == "" {
		return "log"
	}
	return m
}

// execEgress emits the terminal payload out of the flow. The orchestrator
// propagates nothing past an egress node.
//
// Config: mode log|email|webhook plus per-mode fields (see egressEmail and
// egressWebhook).
func execEgress(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	if env.Emulation {
		return emulatedEgress(node), nil
	}

	switch mode := egressMode(node); mode {
	case "log":
		env.Deps.Log.Info().
			Str("flow_id", env.FlowID).
			Str("run_id", env.RunID).
			Str("node_id", node.ID).
			Interface("payload", input).
			Msg("egress")
		return model.Payload{"emitted": true, "mode": "log"}, nil
	case "email":
		return egressEmail(ctx, node, input, env)
	case "webhook":
		return egressWebhook(ctx, node, input, env)
	default:
		return nil, fault.New(fault.KindValidation, "egress node %s has unknown mode %q", node.ID, mode)
	}
}

// egressEmail mails the payload through the SMTP server in a secret.
//
// Config: secretId (smtp secret), to (list or comma string), subject, from
// (defaults to the secret's username).
func egressEmail(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	secretID := node.ConfigString("secretId")
	if secretID == "" {
		return nil, fault.New(fault.KindValidation, "egress node %s email mode needs secretId", node.ID)
	}
	recipients := configStrings(node, "to")
	if len(recipients) == 0 {
		if to := node.ConfigString("to"); to != "" {
			for _, r := range strings.Split(to, ",") {
				if r = strings.TrimSpace(r); r != "" {
					recipients = append(recipients, r)
				}
			}
		}
	}
	if len(recipients) == 0 {
		return nil, fault.New(fault.KindValidation, "egress node %s email mode needs recipients", node.ID)
	}

	payload, err := env.Deps.Secrets.Reveal(ctx, secretID)
	if err != nil {
		return nil, err
	}
	host, _ := payload["host"].(string)
	port := expr.Stringify(payload["port"])
	if port == "" {
		port = "587"
	}
	username, _ := payload["username"].(string)
	password, _ := payload["password"].(string)

	from := node.ConfigString("from")
	if from == "" {
		from = username
	}
	subject := node.ConfigString("subject")
	if subject == "" {
		subject = fmt.Sprintf("Trellis flow %s", env.FlowName)
	}

	body, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return nil, fault.Wrap(fault.KindTransformation, err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: application/json\r\n\r\n")
	msg.Write(body)

	auth := smtp.PlainAuth("", username, password, host)
	if err := smtp.SendMail(net.JoinHostPort(host, port), auth, from, recipients, msg.Bytes()); err != nil {
		return nil, fault.Wrap(fault.KindConnection, err)
	}
	return model.Payload{"emitted": true, "mode": "email", "recipients": len(recipients)}, nil
}

// egressWebhook delivers the payload to an external URL, optionally signing
// the body so receivers can verify origin.
//
// Config: url (required), headers, signingSecretId (secret whose signingKey
// field keys an HMAC-SHA256 over the body, sent as X-Trellis-Signature).
func egressWebhook(ctx context.Context, node model.Node, input model.Payload, env ExecContext) (model.Payload, error) {
	target := node.ConfigString("url")
	if target == "" {
		return nil, fault.New(fault.KindValidation, "egress node %s webhook mode needs url", node.ID)
	}

	body, err := json.Marshal(input)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransformation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trellis-Flow", env.FlowID)
	req.Header.Set("X-Trellis-Run", env.RunID)
	applyHeaders(req, node)

	if signID := node.ConfigString("signingSecretId"); signID != "" {
		key, err := env.Deps.Secrets.Field(ctx, signID, "signingKey")
		if err != nil {
			return nil, err
		}
		mac := hmac.New(sha256.New, []byte(key))
		mac.Write(body)
		req.Header.Set("X-Trellis-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	out, err := doWithBreaker(ctx, req, env)
	if err != nil {
		return nil, err
	}
	return model.Payload{"emitted": true, "mode": "webhook", "status": out["status"]}, nil
}
