package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Detection Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/monitor.css">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; }
        .app { max-width: 1200px; margin: 0 auto; padding: 16px; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 12px; }
        .controls button { margin-right: 6px; }
        .counts li { display: flex; justify-content: space-between; }
        .muted { color: #888; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <h1>Detection Monitor</h1>
            <span class="badge" id="state-badge">Waiting for data...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Live Feed</h2>
                <img id="stream" src="/stream" alt="Annotated live stream" style="width:100%;height:auto;background:#000;">
                <p class="muted" id="frame-info">--</p>
            </div>

            <div class="panel">
                <h2>Controls</h2>
                <div class="controls">
                    <button type="button" id="btn-start">Start</button>
                    <button type="button" id="btn-stop">Stop</button>
                    <button type="button" id="btn-restart">Restart</button>
                    <button type="button" id="btn-reset">Reset counts</button>
                </div>
                <p>
                    <label for="threshold">Confidence threshold: <span id="threshold-value">--</span>%</label><br>
                    <input type="range" id="threshold" min="10" max="100" step="1" value="50">
                </p>
                <p>
                    <button type="button" id="btn-record">Record</button>
                    <a href="/api/snapshot?format=png" target="_blank">Snapshot</a>
                </p>
                <p class="muted" id="record-info"></p>

                <h2>Counts</h2>
                <ul class="counts" id="counts"><li class="muted">Nothing detected yet.</li></ul>
                <p class="muted">Total: <span id="total">0</span></p>
            </div>
        </div>
    </div>

    <script>
        const badge = document.getElementById('state-badge');
        const countsList = document.getElementById('counts');
        const total = document.getElementById('total');
        const frameInfo = document.getElementById('frame-info');
        const slider = document.getElementById('threshold');
        const sliderValue = document.getElementById('threshold-value');
        const recordBtn = document.getElementById('btn-record');
        const recordInfo = document.getElementById('record-info');
        let recording = false;

        function renderCounts(counts) {
            countsList.innerHTML = '';
            const labels = Object.keys(counts || {});
            if (labels.length === 0) {
                countsList.innerHTML = '<li class="muted">Nothing detected yet.</li>';
                total.textContent = '0';
                return;
            }
            let sum = 0;
            for (const label of labels) {
                const li = document.createElement('li');
                li.innerHTML = '<span></span><span></span>';
                li.children[0].textContent = label;
                li.children[1].textContent = counts[label];
                countsList.appendChild(li);
                sum += counts[label];
            }
            total.textContent = String(sum);
        }

        function renderStatus(status) {
            badge.textContent = status.loop.state;
            sliderValue.textContent = status.loop.threshold_percent;
            if (document.activeElement !== slider) {
                slider.value = status.loop.threshold_percent;
            }
            renderCounts(status.loop.counts);
            if (status.recording) {
                recording = status.recording.recording;
                recordBtn.textContent = recording ? 'Stop recording' : 'Record';
                recordInfo.textContent = recording
                    ? status.recording.filename + ' (' + status.recording.frame_count + ' frames)'
                    : '';
            }
        }

        async function post(path, body) {
            const resp = await fetch(path, {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: body ? JSON.stringify(body) : undefined,
            });
            if (!resp.ok) {
                console.error('[Monitor]', path, resp.status, await resp.text());
            }
            return resp;
        }

        document.getElementById('btn-start').addEventListener('click', () => post('/api/control/start'));
        document.getElementById('btn-stop').addEventListener('click', () => post('/api/control/stop'));
        document.getElementById('btn-restart').addEventListener('click', () => post('/api/control/restart'));
        document.getElementById('btn-reset').addEventListener('click', async () => {
            await post('/api/counts/reset');
            renderCounts({});
        });
        slider.addEventListener('input', () => { sliderValue.textContent = slider.value; });
        slider.addEventListener('change', () => post('/api/control/threshold', { percent: Number(slider.value) }));
        recordBtn.addEventListener('click', () => post(recording ? '/api/recording/stop' : '/api/recording/start'));

        const statusSource = new EventSource('/api/status/stream');
        statusSource.onmessage = (e) => renderStatus(JSON.parse(e.data));

        const detectionSource = new EventSource('/api/detections/stream');
        detectionSource.onmessage = (e) => {
            const event = JSON.parse(e.data);
            frameInfo.textContent = 'Frame ' + event.drawn_frame + ' (' + event.width + 'x' + event.height + '), ' +
                event.detections.length + ' detections, ' + event.inference_ms.toFixed(1) + ' ms';
            renderCounts(event.counts);
        };
    </script>
</body>
</html>
`
