package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sawline/timbersort/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"onOff": func(v bool) string {
		if v {
			return "ON"
		}
		return "OFF"
	},
	"statusClass": func(s string) string {
		switch s {
		case "IDLE":
			return "idle"
		case "BUSY":
			return "busy"
		case "ERROR":
			return "error"
		}
		return "unknown"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Timber Sort</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.idle { color: green; }
.busy { color: orange; font-weight: bold; }
.error { color: red; font-weight: bold; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Timber Sort<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Controller</h2>
<table>
<tr><th>Status</th><td id="dev-status" class="{{statusClass .Device.Status}}">{{.Device.Status}}</td></tr>
<tr><th>Cycle State</th><td id="dev-state">{{.Device.RouterState}}</td></tr>
<tr><th>Push Cylinder</th><td id="dev-push" class="{{if .Device.Push}}on{{else}}off{{end}}">{{onOff .Device.Push}}</td></tr>
<tr><th>Riser Cylinder</th><td id="dev-riser" class="{{if .Device.Riser}}on{{else}}off{{end}}">{{onOff .Device.Riser}}</td></tr>
<tr><th>Ejection Cylinder</th><td id="dev-eject" class="{{if .Device.Eject}}on{{else}}off{{end}}">{{onOff .Device.Eject}}</td></tr>
<tr><th>Sensor</th><td id="dev-sensor" class="{{if .Device.Sensor}}on{{else}}off{{end}}">{{onOff .Device.Sensor}}</td></tr>
</table>

<h2>Serial Link</h2>
<table>
<tr><th>Link</th><td class="{{if .Link.Connected}}connected{{else}}disconnected{{end}}">{{if .Link.Connected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Device</th><td>{{.Config.Device}}</td></tr>
{{if not .Link.LastHeartbeatAt.IsZero}}<tr><th>Last Heartbeat</th><td>{{uptime .HeartbeatAge}} ago</td></tr>{{end}}
<tr><th>Boot Count</th><td>{{.Link.BootCount}}</td></tr>
<tr><th>Drops</th><td>{{.Link.Drops}}</td></tr>
{{if .Link.DeviceVersion}}<tr><th>Firmware</th><td>{{.Link.DeviceVersion}}</td></tr>{{end}}
</table>

{{if .Session.Active}}
<h2>Analysis Session</h2>
<table>
<tr><th>ID</th><td>{{.Session.ID}}</td></tr>
<tr><th>Started</th><td>{{.Session.StartedAt.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
</table>
{{end}}

<h2>Counters</h2>
<table>
<tr><th>Cycles</th><td>{{.Counts.Cycles}}</td></tr>
<tr><th>Analyses</th><td>{{.Counts.Analyses}}</td></tr>
<tr><th>Ejected</th><td>{{.Counts.Ejects}}</td></tr>
<tr><th>Passed</th><td>{{.Counts.Passes}}</td></tr>
<tr><th>Timeouts</th><td>{{.Counts.Timeouts}}</td></tr>
<tr><th>Failures</th><td>{{.Counts.Failures}}</td></tr>
<tr><th>Rejected Requests</th><td>{{.Counts.Rejected}}</td></tr>
<tr><th>Link Drops</th><td>{{.Counts.LinkDrops}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Machine</th><td>{{.Config.Machine}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
{{if .Config.Broker}}<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}} ({{.Config.Broker}})</td></tr>{{end}}
<tr><th>Camera</th><td>{{.Config.CameraURL}}</td></tr>
<tr><th>Detector</th><td>{{.Config.DetectorURL}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/status.json">JSON</a> &middot; <a href="/api/decisions">Decisions</a> &middot; <a href="/api/stats">Stats</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function setCell(id, text, cls) {
    var el = document.getElementById(id);
    el.textContent = text;
    el.className = cls;
  }

  function onOff(id, v) {
    setCell(id, v ? "ON" : "OFF", v ? "on" : "off");
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss:" : "ws:";
    var ws = new WebSocket(proto + "//" + location.host + "/ws");

    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "disconnected");
      setTimeout(connect, 5000);
    };
    ws.onerror = function() { setDot("err", "error"); };

    ws.onmessage = function(e) {
      try {
        var msg = JSON.parse(e.data);
        if (msg.type !== "state") return;
        var st = msg.data;
        setCell("dev-status", st.status, st.status.toLowerCase());
        document.getElementById("dev-state").textContent = st.router_state;
        onOff("dev-push", st.push_cylinder === "ON");
        onOff("dev-riser", st.riser_cylinder === "ON");
        onOff("dev-eject", st.ejection_cylinder === "ON");
        onOff("dev-sensor", st.sensor1 === "ON");
      } catch (err) {}
    };
  }

  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot exposes Uptime() and HeartbeatAge() as methods; the template
	// wants plain values.
	data := struct {
		status.Snapshot
		Uptime       time.Duration
		HeartbeatAge time.Duration
	}{
		Snapshot:     snap,
		Uptime:       snap.Uptime(),
		HeartbeatAge: snap.HeartbeatAge(),
	}
	indexTmpl.Execute(w, data)
}
