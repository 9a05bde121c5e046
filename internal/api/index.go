package api

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>EdgeStreamer</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, Cantarell, sans-serif;
            max-width: 960px;
            margin: 30px auto;
            padding: 20px;
            background: #1e1e1e;
            color: #d4d4d4;
        }
        img { width: 100%; background: #000; border-radius: 4px; }
        .bar { display: flex; gap: 8px; align-items: center; margin: 12px 0; flex-wrap: wrap; }
        button { background: #264f78; color: #fff; border: 0; padding: 6px 12px; border-radius: 3px; cursor: pointer; }
        button.active { background: #4ec9b0; color: #000; }
        code { color: #4ec9b0; }
        #error { color: #f48771; }
    </style>
</head>
<body>
    <h1>EdgeStreamer</h1>
    <img id="stream" src="/stream" alt="camera stream">
    <div class="bar">
        <button onclick="post('/api/camera/start')">Start camera</button>
        <button onclick="post('/api/camera/stop')">Stop camera</button>
        <span id="modes"></span>
        <button onclick="post('/api/mode/next')">Next mode</button>
    </div>
    <div class="bar"><code id="stats">waiting for stats</code></div>
    <div id="error"></div>
    <p>API: <a href="/api/status" style="color:#569cd6">/api/status</a>,
       <a href="/api/stats" style="color:#569cd6">/api/stats</a>,
       <a href="/stream/stats" style="color:#569cd6">/stream/stats</a></p>
    <script>
        let current = '';
        function post(url, body) {
            fetch(url, {method: body ? 'PUT' : 'POST', body: body ? JSON.stringify(body) : undefined})
                .then(r => r.json()).then(refresh);
        }
        function refresh() {
            fetch('/api/modes').then(r => r.json()).then(data => {
                current = data.current;
                const el = document.getElementById('modes');
                el.innerHTML = '';
                data.modes.forEach(m => {
                    const b = document.createElement('button');
                    b.textContent = m;
                    if (m === current) b.className = 'active';
                    b.onclick = () => post('/api/mode', {mode: m});
                    el.appendChild(b);
                });
            });
            fetch('/api/status').then(r => r.json()).then(s => {
                document.getElementById('error').textContent = s.last_error || '';
            });
        }
        const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
        const ws = new WebSocket(proto + location.host + '/api/stats/stream');
        ws.onmessage = ev => {
            const s = JSON.parse(ev.data);
            document.getElementById('stats').textContent =
                s.fps + ' fps | ' + s.processingTime.toFixed(1) + ' ms | ' + s.resolution +
                ' | frames ' + s.frameCount + ' | dropped ' + s.dropped;
        };
        refresh();
    </script>
</body>
</html>`
