// Command cbp_logger archives the CBP status stream: it follows the cbpd
// websocket and writes every snapshot as a flattened point to InfluxDB.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/sirupsen/logrus"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	server := envOr("INFLUX_SERVER", "http://localhost:9999")
	client := influxdb2.NewClient(server, os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	writeApi := client.WriteApi(envOr("INFLUX_ORG", "beamcal"), envOr("INFLUX_BUCKET", "cbp.raw"))
	defer writeApi.Close()
	go func() {
		for err := range writeApi.Errors() {
			log.WithError(err).Warn("influx write")
		}
	}()

	url := envOr("CBPD_ADDRESS", "ws://localhost:8080/api/ws")
	for {
		if err := logData(log, writeApi, url); err != nil {
			log.WithError(err).Warn("status stream lost")
		}
		time.Sleep(time.Second)
	}
}

// message is the subset of the cbpd websocket framing we archive.
type message struct {
	Type   string      `json:"type"`
	Status interface{} `json:"status"`
}

func logData(log *logrus.Logger, writeApi api.WriteApi, url string) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.WithField("url", url).Info("following status stream")
	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		var m message
		if err := json.Unmarshal(msg, &m); err != nil || m.Type != "status" {
			continue
		}
		fields := make(map[string]interface{})
		flattenStatus(fields, m.Status, "")
		writeApi.WritePoint(influxdb2.NewPoint("cbp.status", nil, fields, time.Now()))
	}
}

// flattenStatus turns a nested status document into dotted field names,
// which is what the dashboards query.
func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	default:
		fields[prefix[1:]] = status
	}
}
