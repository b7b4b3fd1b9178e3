package stratum

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestCodec_ReadRequest(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := NewCodec(server)
	defer c.Close()

	go client.Write([]byte(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n"))

	req, err := c.ReadRequest()
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if req.Method != "mining.subscribe" {
		t.Errorf("method = %s", req.Method)
	}
	var params []interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Errorf("params not a JSON array: %v", err)
	}
}

func TestCodec_ReadRequest_RejectsGarbage(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := NewCodec(server)
	defer c.Close()

	go client.Write([]byte("not json\n"))

	if _, err := c.ReadRequest(); err == nil {
		t.Fatalf("garbage line accepted")
	}
}

func TestCodec_WriteLines(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	c := NewCodec(server)
	defer c.Close()

	lines := make(chan string, 2)
	go func() {
		r := bufio.NewReader(client)
		for i := 0; i < 2; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	if err := c.SendResponse(&Response{ID: 1, Result: true}); err != nil {
		t.Fatalf("send response: %v", err)
	}
	if err := c.SendNotification(&Notification{Method: "mining.notify", Params: []interface{}{"job1"}}); err != nil {
		t.Fatalf("send notification: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case line := <-lines:
			var decoded map[string]interface{}
			if err := json.Unmarshal([]byte(line), &decoded); err != nil {
				t.Errorf("line %d not JSON: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out reading line %d", i)
		}
	}
}

func TestVardiff_SetDifficultyClamped(t *testing.T) {
	v := NewVardiff(100)
	v.SetDifficulty(1e12)
	if v.Difficulty() != maxSessionDifficulty {
		t.Errorf("difficulty = %v, want clamped to max", v.Difficulty())
	}
	if v.PrevDifficulty() != 100 {
		t.Errorf("prev difficulty = %v, want 100", v.PrevDifficulty())
	}

	v.SetDifficulty(0)
	if v.Difficulty() != minSessionDifficulty {
		t.Errorf("difficulty = %v, want clamped to min", v.Difficulty())
	}
}

func TestVardiff_NoRetargetBeforeWindow(t *testing.T) {
	v := NewVardiff(100)
	for i := 0; i < 50; i++ {
		if v.Submit() {
			t.Fatalf("retargeted inside the window")
		}
	}
	if v.Difficulty() != 100 {
		t.Errorf("difficulty drifted to %v", v.Difficulty())
	}
}

func TestVardiff_RetargetsFastMiner(t *testing.T) {
	v := NewVardiff(100)
	// Backdate the window and simulate a flood of shares.
	v.windowStart = time.Now().Add(-2 * retargetWindow)
	v.submits = 1000

	if !v.Submit() {
		t.Fatalf("flood of shares did not trigger a retarget")
	}
	if v.Difficulty() != 100*maxAdjustStep {
		t.Errorf("difficulty = %v, want %v", v.Difficulty(), 100*maxAdjustStep)
	}
	if v.PrevDifficulty() != 100 {
		t.Errorf("prev difficulty = %v, want 100", v.PrevDifficulty())
	}
}

func TestVardiff_LeavesOnTargetMinerAlone(t *testing.T) {
	v := NewVardiff(100)
	// Exactly one share per interval across a full window.
	v.windowStart = time.Now().Add(-retargetWindow)
	v.submits = int(retargetWindow / shareInterval)

	if v.Submit() {
		t.Fatalf("retargeted a miner inside the deadband")
	}
	if v.Difficulty() != 100 {
		t.Errorf("difficulty = %v, want 100", v.Difficulty())
	}
}
