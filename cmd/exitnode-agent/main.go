// The exit-node agent runs next to a WireGuard termination point. Every
// report interval it reads per-peer transfer totals from the kernel, diffs
// them against a local journal of last-reported totals and pushes the deltas
// (in megabytes) to the coordinator. The journal survives restarts so
// nothing is double-counted.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	_ "modernc.org/sqlite"

	"fleetwan/pkg/model"
	"fleetwan/pkg/version"
)

const megabyte = 1_000_000

func main() {
	defaultController := os.Getenv("CONTROLLER_ADDR")
	if defaultController == "" {
		defaultController = "http://127.0.0.1:8080"
	}

	controller := flag.String("controller", defaultController, "coordinator base URL")
	token := flag.String("token", os.Getenv("AGENT_TOKEN"), "bearer token matching coordinator --agent-token")
	nodeName := flag.String("node", os.Getenv("EXIT_NODE_NAME"), "this exit node's registered name")
	iface := flag.String("iface", "wg0", "wireguard interface to read counters from")
	interval := flag.Duration("interval", 10*time.Second, "report interval")
	journalPath := flag.String("journal", "/var/lib/fleetwan/agent.db", "sqlite journal for last-reported totals")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("exitnode-agent version=%s", version.Build)
		return
	}
	if *nodeName == "" {
		log.Fatal("exit node name is required (--node or EXIT_NODE_NAME)")
	}

	journal, err := openJournal(*journalPath)
	if err != nil {
		log.Fatalf("journal init failed: %v", err)
	}
	defer journal.Close()

	wg, err := wgctrl.New()
	if err != nil {
		log.Fatalf("wgctrl init failed: %v", err)
	}
	defer wg.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	log.Printf("reporting %s counters to %s every %v", *iface, *controller, *interval)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		if err := reportOnce(client, wg, journal, *controller, *token, *nodeName, *iface); err != nil {
			log.Printf("report failed: %v", err)
		}
		<-ticker.C
	}
}

// reportOnce reads current totals, journals them and pushes the deltas.
func reportOnce(client *http.Client, wg *wgctrl.Client, journal *sql.DB, controller, token, nodeName, iface string) error {
	dev, err := wg.Device(iface)
	if err != nil {
		return fmt.Errorf("read device %s: %w", iface, err)
	}

	var samples []model.BandwidthSample
	for _, p := range dev.Peers {
		pk := p.PublicKey.String()
		// ReceiveBytes is traffic the peer sent us; TransmitBytes is what we
		// sent the peer, i.e. the peer's inbound
		rx, tx := p.ReceiveBytes, p.TransmitBytes
		lastRx, lastTx, err := lastTotals(journal, pk)
		if err != nil {
			return err
		}
		deltaRx, deltaTx := deltas(rx, tx, lastRx, lastTx)
		if err := saveTotals(journal, pk, rx, tx); err != nil {
			return err
		}
		samples = append(samples, model.BandwidthSample{
			PublicKey: pk,
			BytesIn:   float64(deltaTx) / megabyte,
			BytesOut:  float64(deltaRx) / megabyte,
		})
	}
	if len(samples) == 0 {
		return nil
	}
	return postSamples(client, controller, token, nodeName, samples)
}

// deltas diffs current totals against the journaled ones. A negative delta
// means the counters reset (interface bounced); the totals are then fresh.
func deltas(rx, tx, lastRx, lastTx int64) (int64, int64) {
	deltaRx, deltaTx := rx-lastRx, tx-lastTx
	if deltaRx < 0 || deltaTx < 0 {
		return rx, tx
	}
	return deltaRx, deltaTx
}

func postSamples(client *http.Client, controller, token, nodeName string, samples []model.BandwidthSample) error {
	body, err := json.Marshal(samples)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/v1/bandwidth?exitNode=%s", controller, nodeName)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator returned %s", resp.Status)
	}
	return nil
}

func openJournal(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS peer_totals(public_key TEXT PRIMARY KEY, rx INTEGER, tx INTEGER)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func lastTotals(db *sql.DB, publicKey string) (int64, int64, error) {
	var rx, tx int64
	err := db.QueryRow(`SELECT rx, tx FROM peer_totals WHERE public_key = ?`, publicKey).Scan(&rx, &tx)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return rx, tx, err
}

func saveTotals(db *sql.DB, publicKey string, rx, tx int64) error {
	_, err := db.Exec(`INSERT INTO peer_totals(public_key, rx, tx) VALUES(?,?,?)
		ON CONFLICT(public_key) DO UPDATE SET rx=excluded.rx, tx=excluded.tx`, publicKey, rx, tx)
	return err
}
