package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher publishes solved entity positions and solver status to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	positions     map[EntityID]EntityPosition
	mu            sync.RWMutex
}

// NewPublisher creates a publisher writing below prefix.
// MQTT_PUBLISH_PREFIX overrides prefix; an empty result falls back to "posemesh".
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "posemesh"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // Positions are refreshed continuously
		retain:        true, // Late subscribers get the latest position
		positions:     make(map[EntityID]EntityPosition),
	}
}

// PublishPositions publishes every position that moved since it was last
// published to its own topic, then all positions to the combined topic.
// It returns the number of individual topics written.
func (p *Publisher) PublishPositions(positions []EntityPosition) (int, error) {
	if p.client == nil || !p.client.IsConnected() {
		return 0, fmt.Errorf("MQTT client not connected")
	}

	changed := 0
	for _, pos := range positions {
		p.mu.RLock()
		prev, seen := p.positions[pos.ID]
		p.mu.RUnlock()
		if seen && prev.Position == pos.Position && prev.Initialized == pos.Initialized {
			continue
		}
		if err := p.publishIndividual(pos); err != nil {
			log.Printf("[MQTT] Error publishing position for %s: %v", pos.ID, err)
			return changed, err
		}
		p.mu.Lock()
		p.positions[pos.ID] = pos
		p.mu.Unlock()
		changed++
	}

	if changed == 0 {
		return 0, nil
	}
	if err := p.publishCombined(positions); err != nil {
		log.Printf("[MQTT] Error publishing combined positions: %v", err)
		return changed, err
	}
	return changed, nil
}

// PublishStatus publishes the solver status to <prefix>/status
func (p *Publisher) PublishStatus(st SolverStatus) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	return p.publish(fmt.Sprintf("%s/status", p.publishPrefix), payload)
}

// publishIndividual publishes a single position to <prefix>/<entityID>
func (p *Publisher) publishIndividual(pos EntityPosition) error {
	payload, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshaling position: %w", err)
	}
	return p.publish(fmt.Sprintf("%s/%s", p.publishPrefix, pos.ID), payload)
}

// publishCombined publishes all positions to <prefix>/positions
func (p *Publisher) publishCombined(positions []EntityPosition) error {
	message := map[string]interface{}{
		"entities":  positions,
		"timestamp": time.Now().Unix(),
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined positions: %w", err)
	}
	return p.publish(fmt.Sprintf("%s/positions", p.publishPrefix), payload)
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetPosition returns the last published position of an entity
func (p *Publisher) GetPosition(id EntityID) (EntityPosition, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[id]
	return pos, ok
}

// ClearPosition forgets an entity, so its next position is always published
func (p *Publisher) ClearPosition(id EntityID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, id)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
