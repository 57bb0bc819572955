package api

// docsHTML renders /openapi.json with Scalar and lists the SSE feeds, which
// OpenAPI cannot describe.
const docsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Empire Catcher API</title>
  <style>
    .feeds { font: 13px system-ui, sans-serif; padding: 10px 16px; background: #0d1117; color: #c9d1d9; border-bottom: 1px solid #30363d; }
    .feeds code { color: #79c0ff; }
  </style>
</head>
<body>
  <div class="feeds">
    Live updates: <code>GET /events</code> (server-sent events).
    Feeds <code>indicator</code> and <code>capture</code>; filter with <code>?feeds=capture</code>.
    The latest event of each feed is replayed on connect.
  </div>
  <script id="api-reference" data-url="/openapi.json" data-configuration='{"theme":"deepSpace","hideClientButton":true}'></script>
  <script src="https://cdn.jsdelivr.net/npm/@scalar/api-reference"></script>
</body>
</html>`
