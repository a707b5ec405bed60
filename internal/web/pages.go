package web

const faviconTag = `<link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>📶</text></svg>">`

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Loudness Meter</title>
` + faviconTag + `
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; background: #1a1a2e; color: #eee; padding: 20px; }
  header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 20px; }
  h1 { color: #e94560; font-size: 22px; }
  .status { font-size: 13px; color: #888; }
  .status.live { color: #4ecca3; }
  .grid { display: grid; grid-template-columns: repeat(auto-fill, minmax(300px, 1fr)); gap: 16px; }
  .card { background: #16213e; border-radius: 12px; padding: 18px; }
  .card h2 { font-size: 17px; margin-bottom: 4px; }
  .card .meta { font-size: 12px; color: #888; margin-bottom: 14px; }
  .row { display: flex; justify-content: space-between; align-items: baseline; padding: 6px 0; border-bottom: 1px solid #1f2b4d; }
  .row:last-of-type { border-bottom: none; }
  .label { font-size: 13px; color: #aaa; }
  .value { font-size: 22px; font-variant-numeric: tabular-nums; }
  .unit { font-size: 12px; color: #888; margin-left: 4px; }
  .bar { height: 6px; background: #0f3460; border-radius: 3px; margin: 2px 0 8px; overflow: hidden; }
  .bar div { height: 100%; background: #4ecca3; width: 0; transition: width 0.1s linear; }
  .bar div.hot { background: #e94560; }
  .btn { margin-top: 14px; width: 100%; padding: 10px; border: none; border-radius: 8px; background: #0f3460; color: #eee; font-size: 14px; cursor: pointer; }
  .btn:hover { background: #e94560; }
</style>
</head>
<body>
<header>
  <h1>📶 Loudness Meter</h1>
  <span class="status" id="status">connecting…</span>
</header>
<div class="grid" id="grid"></div>
<script>
var METRICS = [
  ['momentary', 'Momentary', 'LUFS'],
  ['short_term', 'Short-term', 'LUFS'],
  ['global', 'Integrated', 'LUFS'],
  ['range', 'Range', 'LU']
];

function fmt(v) { return v === null || v === undefined ? '-∞' : v.toFixed(1); }

function pct(v) {
  if (v === null || v === undefined) return 0;
  return Math.max(0, Math.min(100, (v + 60) / 60 * 100));
}

async function loadInputs() {
  var res = await fetch('/api/inputs');
  var data = await res.json();
  var ids = Object.keys(data.inputs).sort();
  var grid = document.getElementById('grid');
  grid.innerHTML = '';
  ids.forEach(function(id) {
    var cfg = data.inputs[id];
    var card = document.createElement('div');
    card.className = 'card';
    var html = '<h2>' + (cfg.name || id) + '</h2><div class="meta">' + id + ' · ' + cfg.channels + ' ch</div>';
    METRICS.forEach(function(m) {
      html += '<div class="row"><span class="label">' + m[1] + '</span>' +
        '<span><span class="value" id="' + id + '-' + m[0] + '">-∞</span><span class="unit">' + m[2] + '</span></span></div>';
      if (m[0] !== 'range') {
        html += '<div class="bar"><div id="' + id + '-' + m[0] + '-bar"></div></div>';
      }
    });
    html += '<button class="btn" data-id="' + id + '">Reset</button>';
    card.innerHTML = html;
    card.querySelector('button').onclick = function() { reset(id); };
    grid.appendChild(card);
  });
}

function apply(inputs) {
  Object.keys(inputs).forEach(function(id) {
    var v = inputs[id];
    METRICS.forEach(function(m) {
      var el = document.getElementById(id + '-' + m[0]);
      if (el) el.textContent = fmt(v[m[0]]);
      var bar = document.getElementById(id + '-' + m[0] + '-bar');
      if (bar) {
        bar.style.width = pct(v[m[0]]) + '%';
        bar.className = v[m[0]] !== null && v[m[0]] > -9 ? 'hot' : '';
      }
    });
  });
}

async function reset(id) {
  var res = await fetch('/api/input/' + encodeURIComponent(id) + '/reset', { method: 'POST' });
  if (!res.ok) {
    var body = await res.json().catch(function() { return {}; });
    alert('Reset failed: ' + (body.error || res.status));
  }
}

function connect() {
  var status = document.getElementById('status');
  var proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
  var ws = new WebSocket(proto + location.host + '/api/ws');
  ws.onopen = function() { status.textContent = 'live'; status.className = 'status live'; };
  ws.onmessage = function(e) { apply(JSON.parse(e.data).inputs || {}); };
  ws.onclose = function() {
    status.textContent = 'disconnected, retrying…';
    status.className = 'status';
    setTimeout(connect, 2000);
  };
}

loadInputs().then(connect);
</script>
</body>
</html>`
