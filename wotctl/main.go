package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"webweir.net/wot/wot"
)

const WotCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Web of trust control.

The default urls are:
    api_url: http://127.0.0.1:8053

Usage:
    wotctl create-identity [--api_url=<api_url>] --nickname=<nickname>
        [--restore]
    wotctl set-trust [--api_url=<api_url>]
        --truster=<truster_id>
        --trustee=<trustee_id>
        --value=<value>
        [--comment=<comment>]
    wotctl remove-trust [--api_url=<api_url>]
        --truster=<truster_id>
        --trustee=<trustee_id>
    wotctl show-score [--api_url=<api_url>]
        --owner=<owner_id>
        --trustee=<trustee_id>
    wotctl list-identities [--api_url=<api_url>]
    wotctl subscribe [--api_url=<api_url>] --secret=<secret>
        [--topics=<topics>]
        [--message_count=<message_count>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --nickname=<nickname>
    --restore                        Restore a previously published identity.
    --truster=<truster_id>
    --trustee=<trustee_id>
    --owner=<owner_id>
    --value=<value>                  Trust value in [-100, 100].
    --comment=<comment>
    --secret=<secret>                Shared subscriber token secret.
    --topics=<topics>                Comma separated. Default all topics.
    --message_count=<message_count>  Print this many notifications then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WotCtlVersion)
	if err != nil {
		panic(err)
	}

	if createIdentity_, _ := opts.Bool("create-identity"); createIdentity_ {
		createIdentity(opts)
	} else if setTrust_, _ := opts.Bool("set-trust"); setTrust_ {
		setTrust(opts)
	} else if removeTrust_, _ := opts.Bool("remove-trust"); removeTrust_ {
		removeTrust(opts)
	} else if showScore_, _ := opts.Bool("show-score"); showScore_ {
		showScore(opts)
	} else if listIdentities_, _ := opts.Bool("list-identities"); listIdentities_ {
		listIdentities(opts)
	} else if subscribe_, _ := opts.Bool("subscribe"); subscribe_ {
		subscribe(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil {
		return strings.TrimSuffix(apiUrl, "/")
	}
	return "http://127.0.0.1:8053"
}

var client = &http.Client{
	Timeout: 30 * time.Second,
}

func apiRequest(method string, url string, args any, result any) error {
	var body io.Reader
	if args != nil {
		argsJson, err := json.Marshal(args)
		if err != nil {
			return err
		}
		body = bytes.NewReader(argsJson)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	resJson, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if http.StatusBadRequest <= res.StatusCode {
		var errBody struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(resJson, &errBody); err == nil && errBody.Error != "" {
			return fmt.Errorf("%s: %s", res.Status, errBody.Error)
		}
		return fmt.Errorf("%s", res.Status)
	}
	if result != nil && 0 < len(resJson) {
		return json.Unmarshal(resJson, result)
	}
	return nil
}

// the insert key seed is derived from a passphrase so the identity can be
// restored on another machine with the same passphrase
func readKeyMaterial() (ed25519.PublicKey, string) {
	fmt.Fprint(os.Stderr, "Passphrase: ")
	passphrase, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("read passphrase: %s", err)
	}
	if len(passphrase) == 0 {
		Err.Fatal("empty passphrase")
	}
	seed := sha256.Sum256(passphrase)
	privateKey := ed25519.NewKeyFromSeed(seed[:])
	return privateKey.Public().(ed25519.PublicKey), hex.EncodeToString(seed[:])
}

func createIdentity(opts docopt.Opts) {
	nickname, _ := opts.String("--nickname")
	restore, _ := opts.Bool("--restore")
	publicKey, insertKey := readKeyMaterial()
	args := map[string]any{
		"nickname":   nickname,
		"public_key": hex.EncodeToString(publicKey),
		"insert_key": insertKey,
		"restore":    restore,
	}
	var result map[string]any
	if err := apiRequest("POST", apiUrl(opts)+"/own-identities", args, &result); err != nil {
		Err.Fatal(err)
	}
	resultJson, _ := json.MarshalIndent(result, "", "  ")
	Out.Printf("%s", resultJson)
}

func setTrust(opts docopt.Opts) {
	trusterId, _ := opts.String("--truster")
	trusteeId, _ := opts.String("--trustee")
	value, err := opts.Int("--value")
	if err != nil {
		Err.Fatalf("bad value: %s", err)
	}
	comment, _ := opts.String("--comment")
	args := map[string]any{
		"truster_id": trusterId,
		"trustee_id": trusteeId,
		"value":      value,
		"comment":    comment,
	}
	if err := apiRequest("PUT", apiUrl(opts)+"/trusts", args, nil); err != nil {
		Err.Fatal(err)
	}
	Out.Printf("ok")
}

func removeTrust(opts docopt.Opts) {
	trusterId, _ := opts.String("--truster")
	trusteeId, _ := opts.String("--trustee")
	url := fmt.Sprintf(
		"%s/trusts?truster_id=%s&trustee_id=%s",
		apiUrl(opts),
		trusterId,
		trusteeId,
	)
	if err := apiRequest("DELETE", url, nil, nil); err != nil {
		Err.Fatal(err)
	}
	Out.Printf("ok")
}

func showScore(opts docopt.Opts) {
	ownerId, _ := opts.String("--owner")
	trusteeId, _ := opts.String("--trustee")
	url := fmt.Sprintf(
		"%s/scores?owner_id=%s&trustee_id=%s",
		apiUrl(opts),
		ownerId,
		trusteeId,
	)
	var result map[string]any
	if err := apiRequest("GET", url, nil, &result); err != nil {
		Err.Fatal(err)
	}
	resultJson, _ := json.MarshalIndent(result, "", "  ")
	Out.Printf("%s", resultJson)
}

func listIdentities(opts docopt.Opts) {
	var result []map[string]any
	if err := apiRequest("GET", apiUrl(opts)+"/identities", nil, &result); err != nil {
		Err.Fatal(err)
	}
	resultJson, _ := json.MarshalIndent(result, "", "  ")
	Out.Printf("%s", resultJson)
}

func subscribe(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	topics := []string{"identities", "trusts", "scores"}
	if topicsStr, err := opts.String("--topics"); err == nil {
		topics = strings.Split(topicsStr, ",")
	}
	messageCount := -1
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	}

	clientId := wot.NewId()
	jwt, err := wot.SignSubscriberToken([]byte(secret), clientId)
	if err != nil {
		Err.Fatal(err)
	}

	wsUrl := strings.Replace(apiUrl(opts), "http", "ws", 1) + "/subscribe"
	remaining := messageCount
	for {
		reconnect := wot.NewReconnect(5 * time.Second)
		err := runSubscriber(wsUrl, jwt, clientId, topics, &remaining)
		if err == nil {
			return
		}
		Err.Printf("subscriber error: %s", err)
		<-reconnect.After()
	}
}

func runSubscriber(wsUrl string, jwt string, clientId wot.Id, topics []string, remaining *int) error {
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	auth := map[string]any{
		"jwt":    jwt,
		"topics": topics,
	}
	if err := ws.WriteJSON(auth); err != nil {
		return err
	}
	Out.Printf("subscribed as %s", clientId)

	for *remaining != 0 {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage || len(message) == 0 {
			// ping
			continue
		}
		var notification struct {
			Index uint64 `json:"index"`
		}
		if err := json.Unmarshal(message, &notification); err != nil {
			return err
		}
		Out.Printf("%s", message)
		ack := map[string]any{
			"ack": notification.Index,
		}
		if err := ws.WriteJSON(ack); err != nil {
			return err
		}
		if 0 < *remaining {
			*remaining -= 1
		}
	}
	return nil
}
